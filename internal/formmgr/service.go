package formmgr

import (
	"context"

	"github.com/danmuck/formlink/internal/form"
)

// Service is the remote form manager API. Implementations return
// ErrNotConnected when the transport is gone and *RemoteError when the
// service answered with a failure status.
type Service interface {
	AddForm(ctx context.Context, id form.ID, want form.Want, token string) (form.Info, error)
	DeleteForm(ctx context.Context, id form.ID, token string) error
	ReleaseForm(ctx context.Context, id form.ID, token string, delCache bool) error
	UpdateForm(ctx context.Context, id form.ID, data form.ProviderData) error
	RequestForm(ctx context.Context, id form.ID, token string, want form.Want) error
	MessageEvent(ctx context.Context, id form.ID, want form.Want, token string) error
	RouterEvent(ctx context.Context, id form.ID, want form.Want, token string) error
	CastTempForm(ctx context.Context, id form.ID, token string) error
	SetNextRefreshTime(ctx context.Context, id form.ID, minutes int64) error
	LifecycleUpdate(ctx context.Context, ids []form.ID, token string, kind form.LifecycleType) error
	NotifyFormsVisible(ctx context.Context, ids []form.ID, token string, visible form.VisibleType) error
	DeleteInvalidForms(ctx context.Context, validIDs []form.ID, token string) (int, error)
	GetAllFormsInfo(ctx context.Context) ([]form.Info, error)
}

// DeathCallback is told when the service came back after dying, so the
// owner can re-register whatever state the old instance held.
type DeathCallback interface {
	OnDeathReceived()
}
