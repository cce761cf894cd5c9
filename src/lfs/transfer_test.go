package lfs_test

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"blobcache.io/bclfs/src/lfs"
	"blobcache.io/bclfs/src/lfs/lfstest"
)

func TestProcessUpload(t *testing.T) {
	ctx := context.Background()
	repo := lfstest.NewMemRepo("http://example.test/repo")
	stored := repo.Add([]byte("stored"))
	absent := lfs.ObjectSpec{OID: lfs.Hash([]byte("absent")).String(), Size: 6}
	wrongSize := lfs.ObjectSpec{OID: stored.OID, Size: stored.Size + 1}

	resp, err := lfs.ProcessUpload(ctx, repo, []lfs.ObjectSpec{absent, stored, wrongSize, {OID: "xyz", Size: 1}})
	require.NoError(t, err)
	require.Equal(t, "basic", resp.Transfer)
	require.Len(t, resp.Objects, 4)

	// order is preserved
	require.Equal(t, absent.OID, resp.Objects[0].OID)
	require.Contains(t, resp.Objects[0].Actions, "upload")
	require.Contains(t, resp.Objects[0].Actions, "verify")
	require.Nil(t, resp.Objects[0].Error)

	require.Empty(t, resp.Objects[1].Actions)
	require.Nil(t, resp.Objects[1].Error)

	require.NotNil(t, resp.Objects[2].Error)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Objects[2].Error.Code)

	require.NotNil(t, resp.Objects[3].Error)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Objects[3].Error.Code)
}

func TestProcessUploadNoVerify(t *testing.T) {
	ctx := context.Background()
	repo := lfstest.NewMemRepo("http://example.test/repo")
	repo.NoVerify = true
	spec := lfs.ObjectSpec{OID: lfs.Hash([]byte("x")).String(), Size: 1}
	resp, err := lfs.ProcessUpload(ctx, repo, []lfs.ObjectSpec{spec})
	require.NoError(t, err)
	require.Contains(t, resp.Objects[0].Actions, "upload")
	require.NotContains(t, resp.Objects[0].Actions, "verify")
}

func TestProcessDownload(t *testing.T) {
	ctx := context.Background()
	repo := lfstest.NewMemRepo("http://example.test/repo")
	stored := repo.Add([]byte("hello world"))
	absent := lfs.ObjectSpec{OID: strings.Repeat("ab", 32), Size: 3}

	resp, err := lfs.ProcessDownload(ctx, repo, []lfs.ObjectSpec{stored, absent})
	require.NoError(t, err)
	require.Len(t, resp.Objects, 2)

	act := resp.Objects[0].Actions["download"]
	require.NotNil(t, act)
	require.Equal(t, "http://example.test/repo/objects/"+stored.OID, act.Href)

	require.Equal(t, &lfs.ObjectError{Code: 404, Message: "object does not exist"}, resp.Objects[1].Error)
	require.Empty(t, resp.Objects[1].Actions)
}

func TestProcessVerify(t *testing.T) {
	ctx := context.Background()
	repo := lfstest.NewMemRepo("http://example.test/repo")
	stored := repo.Add([]byte("hello world"))

	tcs := []struct {
		Name string
		Spec lfs.ObjectSpec
		Code int
	}{
		{"Match", stored, 0},
		{"Absent", lfs.ObjectSpec{OID: lfs.Hash(nil).String()}, 404},
		{"WrongSize", lfs.ObjectSpec{OID: stored.OID, Size: 1}, 422},
	}
	for _, tc := range tcs {
		t.Run(tc.Name, func(t *testing.T) {
			resp, err := lfs.ProcessVerify(ctx, repo, []lfs.ObjectSpec{tc.Spec})
			require.NoError(t, err)
			require.Len(t, resp.Objects, 1)
			if tc.Code == 0 {
				require.Nil(t, resp.Objects[0].Error)
			} else {
				require.Equal(t, tc.Code, resp.Objects[0].Error.Code)
			}
		})
	}
}

func TestEmptyObjects(t *testing.T) {
	ctx := context.Background()
	repo := lfstest.NewMemRepo("")
	strats := lfs.DefaultStrategies()
	for _, op := range []lfs.Operation{lfs.Upload, lfs.Download, lfs.Verify} {
		resp, err := strats.ForOperation(op).Process(ctx, repo, nil)
		require.NoError(t, err)
		require.NotNil(t, resp.Objects)
		require.Empty(t, resp.Objects)
	}
}

func TestForOperation(t *testing.T) {
	var called lfs.Operation
	mk := func(op lfs.Operation) lfs.Strategy {
		return lfs.StrategyFunc(func(ctx context.Context, repo lfs.Repository, objs []lfs.ObjectSpec) (*lfs.BatchResponse, error) {
			called = op
			return &lfs.BatchResponse{}, nil
		})
	}
	strats := lfs.Strategies{Upload: mk(lfs.Upload), Download: mk(lfs.Download), Verify: mk(lfs.Verify)}
	for _, op := range []lfs.Operation{lfs.Upload, lfs.Download, lfs.Verify} {
		_, err := strats.ForOperation(op).Process(context.Background(), nil, nil)
		require.NoError(t, err)
		require.Equal(t, op, called)
	}
	require.Panics(t, func() { strats.ForOperation("delete") })
	require.Panics(t, func() { lfs.Strategies{}.ForOperation(lfs.Upload) })
}

func TestValidate(t *testing.T) {
	good := lfs.ObjectSpec{OID: lfs.Hash([]byte("a")).String(), Size: 1}
	tcs := []struct {
		Name string
		Req  lfs.BatchRequest
		OK   bool
	}{
		{"OK", lfs.BatchRequest{Operation: lfs.Download, Objects: []lfs.ObjectSpec{good}}, true},
		{"Empty", lfs.BatchRequest{Operation: lfs.Upload}, true},
		{"HashAlgo", lfs.BatchRequest{Operation: lfs.Upload, HashAlgo: "sha1"}, false},
		{"NegativeSize", lfs.BatchRequest{Operation: lfs.Upload, Objects: []lfs.ObjectSpec{{OID: good.OID, Size: -1}}}, false},
		{"UpperCase", lfs.BatchRequest{Operation: lfs.Upload, Objects: []lfs.ObjectSpec{{OID: strings.ToUpper(good.OID)}}}, false},
		{"Operation", lfs.BatchRequest{Operation: "delete"}, false},
	}
	for _, tc := range tcs {
		t.Run(tc.Name, func(t *testing.T) {
			err := tc.Req.Validate()
			if tc.OK {
				require.NoError(t, err)
			} else {
				require.True(t, lfs.IsKind(err, lfs.Validation), "%v", err)
			}
		})
	}
}
