package gitpipe

import (
	"context"
	"fmt"
	"io"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/protocol/packp"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// PushRepository pushes refs from src to the repository at ep.
// Each ref is pushed under the same name.  It returns git.NoErrAlreadyUpToDate
// if the server already has every ref at the local value.
func PushRepository(ctx context.Context, env Env, ep *transport.Endpoint, auth transport.AuthMethod, src *git.Repository, refs []plumbing.ReferenceName) (*packp.ReportStatus, error) {
	pc, err := OpenPush(ctx, env, ep, auth)
	if err != nil {
		return nil, err
	}
	defer pc.Close()
	adv := pc.AdvertisedRefs()

	req := packp.NewReferenceUpdateRequestFromCapabilities(adv.Capabilities)
	var wants []plumbing.Hash
	for _, name := range refs {
		ref, err := src.Reference(name, true)
		if err != nil {
			return nil, fmt.Errorf("resolving %v: %w", name, err)
		}
		old := adv.References[name.String()]
		if old == ref.Hash() {
			continue
		}
		req.Commands = append(req.Commands, &packp.Command{Name: name, Old: old, New: ref.Hash()})
		wants = append(wants, ref.Hash())
	}
	if len(req.Commands) == 0 {
		return nil, git.NoErrAlreadyUpToDate
	}

	// objects the server advertised, and which we have, do not need to be sent
	var haves []plumbing.Hash
	for _, h := range adv.References {
		if _, err := src.Storer.EncodedObject(plumbing.AnyObject, h); err == nil {
			haves = append(haves, h)
		}
	}
	hashes, err := revlist.Objects(src.Storer, wants, haves)
	if err != nil {
		return nil, fmt.Errorf("listing objects to push: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		enc := packfile.NewEncoder(pw, src.Storer, false)
		_, err := enc.Encode(hashes, 10)
		pw.CloseWithError(err)
	}()
	req.Packfile = pr

	rs, err := pc.Push(ctx, req)
	if err != nil {
		pr.CloseWithError(err)
		return rs, err
	}
	return rs, pc.Close()
}
