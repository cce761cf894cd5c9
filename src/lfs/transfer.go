package lfs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Strategy implements the mechanics of one Operation against a Repository.
type Strategy interface {
	Process(ctx context.Context, repo Repository, objects []ObjectSpec) (*BatchResponse, error)
}

type StrategyFunc func(ctx context.Context, repo Repository, objects []ObjectSpec) (*BatchResponse, error)

func (f StrategyFunc) Process(ctx context.Context, repo Repository, objects []ObjectSpec) (*BatchResponse, error) {
	return f(ctx, repo, objects)
}

// Strategies holds one Strategy per Operation.
type Strategies struct {
	Upload   Strategy
	Download Strategy
	Verify   Strategy
}

// DefaultStrategies returns the basic transfer strategies.
func DefaultStrategies() Strategies {
	return Strategies{
		Upload:   StrategyFunc(ProcessUpload),
		Download: StrategyFunc(ProcessDownload),
		Verify:   StrategyFunc(ProcessVerify),
	}
}

// ForOperation returns the Strategy for op.
// Operations are closed, so anything else is a programming error and panics.
func (s Strategies) ForOperation(op Operation) Strategy {
	var ret Strategy
	switch op {
	case Upload:
		ret = s.Upload
	case Download:
		ret = s.Download
	case Verify:
		ret = s.Verify
	default:
		panic(fmt.Sprintf("lfs: no strategy for operation %q", op))
	}
	if ret == nil {
		panic(fmt.Sprintf("lfs: strategy for %q is not configured", op))
	}
	return ret
}

// ProcessUpload asks the client to upload every object the repository does not have.
func ProcessUpload(ctx context.Context, repo Repository, objects []ObjectSpec) (*BatchResponse, error) {
	resp := newResponse(len(objects))
	for _, obj := range objects {
		info := ObjectResponse{OID: obj.OID, Size: obj.Size}
		err := func() error {
			oid, err := ParseOID(obj.OID)
			if err != nil {
				info.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: err.Error()}
				return nil
			}
			size, err := repo.Stat(ctx, oid)
			switch {
			case errors.Is(err, ErrObjectNotFound):
			case err != nil:
				return err
			case size != obj.Size:
				err := ErrSizeMismatch{OID: oid, Expected: obj.Size, Actual: size}
				info.Error = &ObjectError{Code: http.StatusUnprocessableEntity, Message: err.Error()}
				return nil
			default:
				// already stored
				return nil
			}
			up, err := repo.UploadAction(ctx, oid, obj.Size)
			if err != nil {
				return err
			}
			info.Actions = map[string]*Action{"upload": up}
			verify, err := repo.VerifyAction(ctx, oid, obj.Size)
			if err != nil {
				return err
			}
			if verify != nil {
				info.Actions["verify"] = verify
			}
			return nil
		}()
		if err != nil {
			return nil, err
		}
		resp.Objects = append(resp.Objects, info)
	}
	return resp, nil
}

// ProcessDownload returns a download action for every object the repository has.
func ProcessDownload(ctx context.Context, repo Repository, objects []ObjectSpec) (*BatchResponse, error) {
	resp := newResponse(len(objects))
	for _, obj := range objects {
		info := ObjectResponse{OID: obj.OID, Size: obj.Size}
		oid, size, objErr, err := statObject(ctx, repo, obj)
		if err != nil {
			return nil, err
		}
		if objErr != nil {
			info.Error = objErr
		} else {
			info.Size = size
			act, err := repo.DownloadAction(ctx, oid, size)
			if err != nil {
				return nil, err
			}
			info.Actions = map[string]*Action{"download": act}
		}
		resp.Objects = append(resp.Objects, info)
	}
	return resp, nil
}

// ProcessVerify reports whether each object is stored with the expected size.
func ProcessVerify(ctx context.Context, repo Repository, objects []ObjectSpec) (*BatchResponse, error) {
	resp := newResponse(len(objects))
	for _, obj := range objects {
		info := ObjectResponse{OID: obj.OID, Size: obj.Size}
		_, _, objErr, err := statObject(ctx, repo, obj)
		if err != nil {
			return nil, err
		}
		info.Error = objErr
		resp.Objects = append(resp.Objects, info)
	}
	return resp, nil
}

// statObject looks up obj in repo.
// Problems with the object itself are returned as an *ObjectError, repository failures as an error.
func statObject(ctx context.Context, repo Repository, obj ObjectSpec) (OID, int64, *ObjectError, error) {
	oid, err := ParseOID(obj.OID)
	if err != nil {
		return OID{}, 0, &ObjectError{Code: http.StatusUnprocessableEntity, Message: err.Error()}, nil
	}
	size, err := repo.Stat(ctx, oid)
	if errors.Is(err, ErrObjectNotFound) {
		return oid, 0, &ObjectError{Code: http.StatusNotFound, Message: ErrObjectNotFound.Error()}, nil
	} else if err != nil {
		return OID{}, 0, nil, err
	}
	if size != obj.Size {
		err := ErrSizeMismatch{OID: oid, Expected: obj.Size, Actual: size}
		return oid, size, &ObjectError{Code: http.StatusUnprocessableEntity, Message: err.Error()}, nil
	}
	return oid, size, nil, nil
}

func newResponse(n int) *BatchResponse {
	return &BatchResponse{
		Transfer: "basic",
		Objects:  make([]ObjectResponse, 0, n),
		HashAlgo: HashAlgo_SHA256,
	}
}
