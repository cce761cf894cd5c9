package bclfscmd

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"go.brendoncarroll.net/star"

	"blobcache.io/bclfs/src/lfs"
	"blobcache.io/bclfs/src/lfshttp"
)

const EnvURL = "BCLFS_URL"

var batchCmd = star.Command{
	Metadata: star.Metadata{
		Short: "sends a batch request for local files and prints the response",
	},
	Flags: map[string]star.Flag{
		"url":   urlParam,
		"token": tokenParam,
	},
	Pos: []star.Positional{repoNameParam, opParam, filesParam},
	F: func(c star.Context) error {
		client, err := newClient(c)
		if err != nil {
			return err
		}
		specs, err := specsForFiles(filesParam.Load(c))
		if err != nil {
			return err
		}
		resp, err := client.Batch(c.Context, repoNameParam.Load(c)+".git", lfs.BatchRequest{
			Operation: opParam.Load(c),
			Transfers: []string{"basic"},
			Objects:   specs,
			HashAlgo:  lfs.HashAlgo_SHA256,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(c.StdOut)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

var uploadCmd = star.Command{
	Metadata: star.Metadata{
		Short: "uploads local files as LFS objects",
	},
	Flags: map[string]star.Flag{
		"url":   urlParam,
		"token": tokenParam,
	},
	Pos: []star.Positional{repoNameParam, filesParam},
	F: func(c star.Context) error {
		client, err := newClient(c)
		if err != nil {
			return err
		}
		paths := filesParam.Load(c)
		specs, err := specsForFiles(paths)
		if err != nil {
			return err
		}
		resp, err := client.Batch(c.Context, repoNameParam.Load(c)+".git", lfs.BatchRequest{
			Operation: lfs.Upload,
			Transfers: []string{"basic"},
			Objects:   specs,
			HashAlgo:  lfs.HashAlgo_SHA256,
		})
		if err != nil {
			return err
		}
		for i, obj := range resp.Objects {
			if obj.Error != nil {
				return lfs.NewError(lfs.KindForStatus(obj.Error.Code), obj.Error.Message)
			}
			up, ok := obj.Actions["upload"]
			if !ok {
				c.Printf("%s %d already stored\n", obj.OID, obj.Size)
				continue
			}
			if err := uploadFile(c, client, up, paths[i], specs[i]); err != nil {
				return err
			}
			if v, ok := obj.Actions["verify"]; ok {
				if err := client.Verify(c.Context, v, specs[i]); err != nil {
					return err
				}
			}
			c.Printf("%s %d uploaded\n", obj.OID, obj.Size)
		}
		return nil
	},
}

var downloadCmd = star.Command{
	Metadata: star.Metadata{
		Short: "writes an LFS object to stdout",
	},
	Flags: map[string]star.Flag{
		"url":   urlParam,
		"token": tokenParam,
	},
	Pos: []star.Positional{repoNameParam, oidParam, sizeParam},
	F: func(c star.Context) error {
		client, err := newClient(c)
		if err != nil {
			return err
		}
		spec := lfs.ObjectSpec{OID: oidParam.Load(c).String(), Size: sizeParam.Load(c)}
		resp, err := client.Batch(c.Context, repoNameParam.Load(c)+".git", lfs.BatchRequest{
			Operation: lfs.Download,
			Transfers: []string{"basic"},
			Objects:   []lfs.ObjectSpec{spec},
			HashAlgo:  lfs.HashAlgo_SHA256,
		})
		if err != nil {
			return err
		}
		if len(resp.Objects) != 1 {
			return fmt.Errorf("expected 1 object in response, have %d", len(resp.Objects))
		}
		obj := resp.Objects[0]
		if obj.Error != nil {
			return lfs.NewError(lfs.KindForStatus(obj.Error.Code), obj.Error.Message)
		}
		rc, err := client.Download(c.Context, obj.Actions["download"])
		if err != nil {
			return err
		}
		defer rc.Close()
		h := sha256.New()
		if _, err := io.Copy(io.MultiWriter(c.StdOut, h), rc); err != nil {
			return err
		}
		var actual lfs.OID
		copy(actual[:], h.Sum(nil))
		if actual != oidParam.Load(c) {
			return lfs.ErrDigestMismatch{Expected: oidParam.Load(c), Actual: actual}
		}
		return nil
	},
}

func uploadFile(c star.Context, client *lfshttp.Client, act *lfs.Action, p string, spec lfs.ObjectSpec) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	return client.Upload(c.Context, act, f, spec.Size)
}

func newClient(c star.Context) (*lfshttp.Client, error) {
	u, ok := urlParam.LoadOpt(c)
	if !ok {
		u, ok = c.Env[EnvURL]
	}
	if !ok || u == "" {
		return nil, fmt.Errorf("a server URL is required, use --url or %s", EnvURL)
	}
	token, ok := tokenParam.LoadOpt(c)
	if !ok {
		token = c.Env[EnvToken]
	}
	var auth string
	if token != "" {
		auth = "Bearer " + token
	}
	return lfshttp.NewClient(nil, u, auth), nil
}

// specsForFiles hashes each file.
func specsForFiles(paths []string) ([]lfs.ObjectSpec, error) {
	ret := make([]lfs.ObjectSpec, 0, len(paths))
	for _, p := range paths {
		spec, err := specForFile(p)
		if err != nil {
			return nil, err
		}
		ret = append(ret, spec)
	}
	return ret, nil
}

func specForFile(p string) (lfs.ObjectSpec, error) {
	f, err := os.Open(p)
	if err != nil {
		return lfs.ObjectSpec{}, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return lfs.ObjectSpec{}, err
	}
	var oid lfs.OID
	copy(oid[:], h.Sum(nil))
	return lfs.ObjectSpec{OID: oid.String(), Size: n}, nil
}

var urlParam = star.Optional[string]{
	ID:       "url",
	ShortDoc: "the URL of the LFS server, defaults to " + EnvURL,
	Parse:    star.ParseString,
}

var opParam = star.Required[lfs.Operation]{
	ID:       "operation",
	ShortDoc: "upload, download or verify",
	Parse:    lfs.ParseOperation,
}

var filesParam = star.Repeated[string]{
	ID:       "files",
	ShortDoc: "local files",
	Parse:    star.ParseString,
}

var oidParam = star.Required[lfs.OID]{
	ID:       "oid",
	ShortDoc: "the sha256 of the object, in hex",
	Parse:    lfs.ParseOID,
}

var sizeParam = star.Required[int64]{
	ID:       "size",
	ShortDoc: "the size of the object in bytes",
	Parse: func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	},
}
