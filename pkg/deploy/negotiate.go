package deploy

import (
	"context"
	"fmt"

	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/manifest"
	"github.com/tqbf/deploysync/pkg/progress"
)

const DefaultSyncLimit = 100

// Metadata is descriptive data sent along with a new deploy.
type Metadata struct {
	Title     string
	Draft     bool
	Branch    string
	CommitRef string
}

type NegotiateOptions struct {
	PollOptions
	// SyncLimit is the largest manifest for which a synchronous diff is
	// requested.
	SyncLimit int
	Algorithm manifest.Algorithm
	Metadata  Metadata
}

// Negotiate creates a deploy for m and returns it once the service
// knows which digests it still needs. Large manifests are diffed in the
// background and polled until resolved.
func Negotiate(
	ctx context.Context,
	api deployapi.API,
	m manifest.Manifest,
	o NegotiateOptions,
) (*deployapi.Deploy, error) {
	limit := o.SyncLimit
	if limit <= 0 {
		limit = DefaultSyncLimit
	}
	log := o.logger()

	progress.Emit(o.Sink, progress.TypeCreateDeploy, progress.PhaseStart,
		fmt.Sprintf("Creating deploy with %d files", len(m)))
	d, err := api.CreateDeploy(ctx, o.Site, &deployapi.CreateDeployRequest{
		Files:     m,
		Async:     len(m) > limit,
		Draft:     o.Metadata.Draft,
		Title:     o.Metadata.Title,
		Branch:    o.Metadata.Branch,
		CommitRef: o.Metadata.CommitRef,
	})
	if err != nil {
		err = deployerr.FromContext(progress.TypeCreateDeploy, err)
		if !deployerr.IsKind(err, deployerr.KindTimeout) &&
			!deployerr.IsKind(err, deployerr.KindCanceled) {
			err = deployerr.Transport(progress.TypeCreateDeploy, "", err)
		}
		progress.Emit(o.Sink, progress.TypeCreateDeploy,
			progress.PhaseError, err.Error())
		return nil, err
	}
	log.Info("deploy created", "deploy_id", d.ID, "state", d.State)
	progress.Emit(o.Sink, progress.TypeCreateDeploy, progress.PhaseStop,
		"Created deploy "+d.ID)

	switch {
	case d.State.Failed():
		return nil, deployerr.Remote(progress.TypeCreateDeploy,
			d.ID, d.ErrorMessage)
	case !d.State.DiffResolved():
		progress.Emit(o.Sink, progress.TypeWaitForDiff, progress.PhaseStart,
			"Waiting for the service to diff files")
		d, err = waitFor(ctx, api, d.ID, progress.TypeWaitForDiff,
			deployapi.State.DiffResolved, o.PollOptions)
		if err != nil {
			progress.Emit(o.Sink, progress.TypeWaitForDiff,
				progress.PhaseError, err.Error())
			return nil, err
		}
		progress.Emit(o.Sink, progress.TypeWaitForDiff, progress.PhaseStop,
			"Diff resolved")
	}

	if err := checkRequired(d, m, o.Algorithm); err != nil {
		return nil, err
	}
	log.Info("diff resolved",
		"deploy_id", d.ID,
		"required", len(d.Required),
		"files", len(m),
	)
	return d, nil
}

// checkRequired rejects digests that are malformed or that the manifest
// never mentioned.
func checkRequired(
	d *deployapi.Deploy,
	m manifest.Manifest,
	alg manifest.Algorithm,
) error {
	if alg == "" {
		alg = manifest.DefaultAlgorithm
	}
	known := make(map[string]struct{}, len(m))
	for _, digest := range m.Digests() {
		known[digest] = struct{}{}
	}
	for _, digest := range d.Required {
		if err := alg.Validate(digest); err != nil {
			return deployerr.Remote(progress.TypeWaitForDiff, d.ID,
				fmt.Sprintf("server requested malformed digest: %v", err))
		}
		if _, ok := known[digest]; !ok {
			return deployerr.Remote(progress.TypeWaitForDiff, d.ID,
				fmt.Sprintf("server requested unknown digest %s", digest))
		}
	}
	return nil
}
