package deployapi

import (
	"context"
	"io"
)

// State is a deploy's position in the hosting service's lifecycle.
type State string

const (
	StatePreparing  State = "preparing"
	StatePrepared   State = "prepared"
	StateUploading  State = "uploading"
	StateUploaded   State = "uploaded"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateError      State = "error"
)

// DiffResolved reports whether the service has computed which digests
// it still needs. Unknown states are treated as unresolved.
func (s State) DiffResolved() bool {
	switch s {
	case StatePrepared, StateUploading, StateUploaded,
		StateProcessing, StateReady:
		return true
	}
	return false
}

func (s State) Live() bool   { return s == StateReady }
func (s State) Failed() bool { return s == StateError }

type Deploy struct {
	ID           string   `json:"id"`
	SiteID       string   `json:"site_id"`
	State        State    `json:"state"`
	Required     []string `json:"required"`
	ErrorMessage string   `json:"error_message,omitempty"`
	DeployURL    string   `json:"deploy_url,omitempty"`
	Title        string   `json:"title,omitempty"`
}

type CreateDeployRequest struct {
	Files map[string]string `json:"files"`
	// Async asks the service to compute the diff in the background.
	Async     bool   `json:"async"`
	Draft     bool   `json:"draft"`
	Title     string `json:"title,omitempty"`
	Branch    string `json:"branch,omitempty"`
	CommitRef string `json:"commit_ref,omitempty"`
}

type Site struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// API is the slice of the hosting service the deploy pipeline uses.
type API interface {
	CreateDeploy(
		ctx context.Context,
		site string,
		req *CreateDeployRequest,
	) (*Deploy, error)
	GetDeploy(ctx context.Context, site, deployID string) (*Deploy, error)
	// UploadBlob streams exactly size bytes from body as the content
	// for digest. Callers must pass a fresh reader on every call.
	UploadBlob(
		ctx context.Context,
		deployID, digest string,
		size int64,
		body io.Reader,
	) error
	GetSite(ctx context.Context, site string) (*Site, error)
}
