package bclfscmd

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.brendoncarroll.net/star"

	"blobcache.io/bclfs/src/gitpipe"
)

const EnvToken = "BCLFS_TOKEN"

var pushCmd = star.Command{
	Metadata: star.Metadata{
		Short: "pushes branches from a local git repository into a repository in the store",
	},
	Flags: map[string]star.Flag{
		"state": stateDirParam,
		"token": tokenParam,
	},
	Pos: []star.Positional{repoNameParam, srcPathParam, refsParam},
	F: func(c star.Context) error {
		d, store, close, err := openStore(c)
		if err != nil {
			return err
		}
		defer close()
		src, err := git.PlainOpen(srcPathParam.Load(c))
		if err != nil {
			return err
		}
		refs := refsParam.Load(c)
		if len(refs) == 0 {
			head, err := src.Head()
			if err != nil {
				return err
			}
			if !head.Name().IsBranch() {
				return fmt.Errorf("HEAD is detached, name the branches to push")
			}
			refs = []plumbing.ReferenceName{head.Name()}
		}
		rs, err := gitpipe.PushRepository(c.Context, d.GitEnv(store), gitEndpoint(repoNameParam.Load(c)), gitAuth(c), src, refs)
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			c.Printf("Everything up-to-date\n")
			return nil
		} else if err != nil {
			return err
		}
		c.Printf("unpack %s\n", rs.UnpackStatus)
		for _, cs := range rs.CommandStatuses {
			c.Printf("%s %s\n", cs.ReferenceName, cs.Status)
		}
		return rs.Error()
	},
}

var refsCmd = star.Command{
	Metadata: star.Metadata{
		Short: "lists the refs of a repository in the store",
	},
	Flags: map[string]star.Flag{
		"state": stateDirParam,
		"token": tokenParam,
	},
	Pos: []star.Positional{repoNameParam},
	F: func(c star.Context) error {
		d, store, close, err := openStore(c)
		if err != nil {
			return err
		}
		defer close()
		adv, err := gitpipe.ListRefs(c.Context, d.GitEnv(store), gitEndpoint(repoNameParam.Load(c)), gitAuth(c))
		if err != nil {
			return err
		}
		names := make([]string, 0, len(adv.References))
		for name := range adv.References {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.Printf("%s %s\n", adv.References[name], name)
		}
		return nil
	},
}

// gitEndpoint is the endpoint for a repository in the store.
func gitEndpoint(name string) *transport.Endpoint {
	return &transport.Endpoint{Protocol: "bclfs", Path: "/" + name + ".git"}
}

func gitAuth(c star.Context) transport.AuthMethod {
	token, ok := tokenParam.LoadOpt(c)
	if !ok {
		token, ok = c.Env[EnvToken]
	}
	if !ok || token == "" {
		return nil
	}
	return &http.TokenAuth{Token: token}
}

var srcPathParam = star.Required[string]{
	ID:       "path",
	ShortDoc: "the path of a local git repository",
	Parse:    star.ParseString,
}

var refsParam = star.Repeated[plumbing.ReferenceName]{
	ID:       "refs",
	ShortDoc: "the branches to push, HEAD if none are given",
	Parse: func(s string) (plumbing.ReferenceName, error) {
		name := plumbing.ReferenceName(s)
		if !name.IsBranch() && !name.IsTag() {
			name = plumbing.NewBranchReferenceName(s)
		}
		return name, nil
	},
}

var tokenParam = star.Optional[string]{
	ID:       "token",
	ShortDoc: "a token printed by grant, defaults to " + EnvToken,
	Parse:    star.ParseString,
}
