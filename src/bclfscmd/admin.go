package bclfscmd

import (
	"strconv"

	"go.brendoncarroll.net/star"

	"blobcache.io/bclfs/src/lfsstore"
)

var mkRepoCmd = star.Command{
	Metadata: star.Metadata{
		Short: "create a repository and its bare git repository",
	},
	Flags: map[string]star.Flag{
		"state":     stateDirParam,
		"read-only": readOnlyParam,
		"public":    publicParam,
		"quota":     quotaParam,
	},
	Pos: []star.Positional{repoNameParam},
	F: func(c star.Context) error {
		_, store, close, err := openStore(c)
		if err != nil {
			return err
		}
		defer close()
		var opts lfsstore.RepoOptions
		opts.ReadOnly, _ = readOnlyParam.LoadOpt(c)
		opts.PublicRead, _ = publicParam.LoadOpt(c)
		opts.Quota, _ = quotaParam.LoadOpt(c)
		name := repoNameParam.Load(c)
		if err := store.CreateRepo(c.Context, name, opts); err != nil {
			return err
		}
		c.Printf("Repository %s successfully created.\n", name)
		return nil
	},
}

var reposCmd = star.Command{
	Metadata: star.Metadata{
		Short: "lists repositories",
	},
	Flags: map[string]star.Flag{
		"state": stateDirParam,
	},
	F: func(c star.Context) error {
		_, store, close, err := openStore(c)
		if err != nil {
			return err
		}
		defer close()
		infos, err := store.ListRepos(c.Context)
		if err != nil {
			return err
		}
		for _, info := range infos {
			used, err := store.Usage(c.Context, info.Name)
			if err != nil {
				return err
			}
			c.Printf("%-30s read_only=%-5v public=%-5v used=%d quota=%d\n", info.Name, info.ReadOnly, info.PublicRead, used, info.Quota)
		}
		return nil
	},
}

var readOnlyCmd = star.Command{
	Metadata: star.Metadata{
		Short: "marks a repository read only, or writable again with --read-only false",
	},
	Flags: map[string]star.Flag{
		"state":     stateDirParam,
		"read-only": readOnlyParam,
	},
	Pos: []star.Positional{repoNameParam},
	F: func(c star.Context) error {
		_, store, close, err := openStore(c)
		if err != nil {
			return err
		}
		defer close()
		ro, ok := readOnlyParam.LoadOpt(c)
		if !ok {
			ro = true
		}
		if err := store.SetReadOnly(c.Context, repoNameParam.Load(c), ro); err != nil {
			return err
		}
		c.Printf("%s read_only=%v\n", repoNameParam.Load(c), ro)
		return nil
	},
}

var grantCmd = star.Command{
	Metadata: star.Metadata{
		Short: "generates a token with access to a repository",
	},
	Flags: map[string]star.Flag{
		"state": stateDirParam,
		"write": writeParam,
	},
	Pos: []star.Positional{repoNameParam},
	F: func(c star.Context) error {
		_, store, close, err := openStore(c)
		if err != nil {
			return err
		}
		defer close()
		canWrite, _ := writeParam.LoadOpt(c)
		token := lfsstore.GenerateToken()
		if err := store.Grant(c.Context, repoNameParam.Load(c), token, canWrite); err != nil {
			return err
		}
		c.Printf("TOKEN: %s\n", token)
		return nil
	},
}

var revokeCmd = star.Command{
	Metadata: star.Metadata{
		Short: "removes every grant for a token",
	},
	Flags: map[string]star.Flag{
		"state": stateDirParam,
	},
	Pos: []star.Positional{tokenArgParam},
	F: func(c star.Context) error {
		_, store, close, err := openStore(c)
		if err != nil {
			return err
		}
		defer close()
		n, err := store.Revoke(c.Context, tokenArgParam.Load(c))
		if err != nil {
			return err
		}
		c.Printf("Revoked %d grants.\n", n)
		return nil
	},
}

var readOnlyParam = star.Optional[bool]{
	ID:       "read-only",
	ShortDoc: "reject uploads and pushes",
	Parse:    strconv.ParseBool,
}

var publicParam = star.Optional[bool]{
	ID:       "public",
	ShortDoc: "allow downloads without a token",
	Parse:    strconv.ParseBool,
}

var writeParam = star.Optional[bool]{
	ID:       "write",
	ShortDoc: "allow uploads and pushes",
	Parse:    strconv.ParseBool,
}

var quotaParam = star.Optional[int64]{
	ID:       "quota",
	ShortDoc: "the maximum number of object bytes, 0 uses the configured default",
	Parse: func(s string) (int64, error) {
		return strconv.ParseInt(s, 10, 64)
	},
}

var tokenArgParam = star.Required[string]{
	ID:       "token",
	ShortDoc: "a token printed by grant",
	Parse:    star.ParseString,
}
