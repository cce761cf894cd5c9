package bclfscmd

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
	"go.brendoncarroll.net/star"

	"blobcache.io/bclfs/src/internal/lfsd"
	"blobcache.io/bclfs/src/internal/testutil"
	"blobcache.io/bclfs/src/lfs"
)

func TestAdmin(t *testing.T) {
	env := map[string]string{EnvStateDir: t.TempDir()}
	runCmd(t, env, []string{"mkrepo", "--public", "true", "org/site"})
	runCmd(t, env, []string{"mkrepo", "--quota", "1024", "org/private"})
	out := runCmdGetOut(t, env, []string{"repos"})
	require.Contains(t, string(out), "org/private")
	require.Contains(t, string(out), "quota=1024")
	require.Contains(t, string(out), "org/site")

	token := grant(t, env, "org/site")
	out = runCmdGetOut(t, env, []string{"revoke", token})
	require.Contains(t, string(out), "Revoked 1 grants.")
	out = runCmdGetOut(t, env, []string{"revoke", token})
	require.Contains(t, string(out), "Revoked 0 grants.")
	runCmd(t, env, []string{"readonly", "org/site"})
	out = runCmdGetOut(t, env, []string{"repos"})
	require.Regexp(t, `org/site\s+read_only=true`, string(out))

	err := runCmdErr(t, env, []string{"mkrepo", "../escape"})
	require.Error(t, err)
}

func TestPush(t *testing.T) {
	env := map[string]string{EnvStateDir: t.TempDir()}
	runCmd(t, env, []string{"mkrepo", "game"})
	env[EnvToken] = grant(t, env, "game")

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitattributes"), []byte("*.png filter=lfs diff=lfs merge=lfs -text\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(".gitattributes")
	require.NoError(t, err)
	head, err := wt.Commit("track images", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)

	out := runCmdGetOut(t, env, []string{"push", "game", dir})
	require.Contains(t, string(out), "unpack ok")
	require.Contains(t, string(out), "refs/heads/master ok")
	out = runCmdGetOut(t, env, []string{"push", "game", dir, "master"})
	require.Contains(t, string(out), "Everything up-to-date")

	out = runCmdGetOut(t, env, []string{"refs", "game"})
	require.Contains(t, string(out), head.String()+" refs/heads/master")

	readToken := grantReadOnly(t, env, "game")
	err = runCmdErr(t, env, []string{"push", "--token", readToken, "game", dir})
	require.Error(t, err)
}

func TestTransfer(t *testing.T) {
	d, apiURL := lfsd.RunTestDaemon(t)
	env := map[string]string{EnvStateDir: d.StateDir, EnvURL: apiURL}
	runCmd(t, env, []string{"mkrepo", "assets"})
	env[EnvToken] = grant(t, env, "assets")

	data := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 4096)
	p := filepath.Join(t.TempDir(), "texture.bin")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	oid := lfs.Hash(data)

	out := runCmdGetOut(t, env, []string{"upload", "assets", p})
	require.Contains(t, string(out), oid.String()+" 16384 uploaded")
	out = runCmdGetOut(t, env, []string{"upload", "assets", p})
	require.Contains(t, string(out), "already stored")

	out = runCmdGetOut(t, env, []string{"download", "assets", oid.String(), strconv.Itoa(len(data))})
	require.Equal(t, data, out)

	out = runCmdGetOut(t, env, []string{"batch", "assets", "download", p})
	require.Contains(t, string(out), `"download"`)
	require.Contains(t, string(out), apiURL+"/assets.git/info/lfs/objects/"+oid.String())
}

var tokenRe = regexp.MustCompile(`TOKEN: ([0-9a-f]+)`)

func grant(t testing.TB, env map[string]string, repo string) string {
	return parseToken(t, runCmdGetOut(t, env, []string{"grant", "--write", "true", repo}))
}

func grantReadOnly(t testing.TB, env map[string]string, repo string) string {
	return parseToken(t, runCmdGetOut(t, env, []string{"grant", repo}))
}

func parseToken(t testing.TB, out []byte) string {
	m := tokenRe.FindSubmatch(out)
	require.NotNil(t, m, "no token in %q", out)
	return string(m[1])
}

func runCmd(t testing.TB, env map[string]string, args []string) {
	require.NoError(t, runCmdErr(t, env, args))
}

func runCmdErr(t testing.TB, env map[string]string, args []string) error {
	return run(t, env, args, bufio.NewWriter(io.Discard))
}

func runCmdGetOut(t testing.TB, env map[string]string, args []string) []byte {
	stdoutBuf := bytes.Buffer{}
	bufw := bufio.NewWriter(&stdoutBuf)
	require.NoError(t, run(t, env, args, bufw))
	require.NoError(t, bufw.Flush())
	return stdoutBuf.Bytes()
}

func run(t testing.TB, env map[string]string, args []string, stdout *bufio.Writer) error {
	ctx := testutil.Context(t)
	stdin := bufio.NewReader(bytes.NewReader(nil))
	stderr := bufio.NewWriter(io.Discard)
	return star.Run(ctx, Root(), env, "bclfs", args, stdin, stdout, stderr)
}
