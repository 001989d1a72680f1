// Package form holds the value types exchanged between form hosts, form
// providers and the form manager service.
package form

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidID          = errors.New("form: invalid form id")
	ErrInvalidRefreshTime = errors.New("form: refresh time below minimum")
)

// MinNextRefreshMinutes is the smallest accepted SetNextRefreshTime value.
const MinNextRefreshMinutes int64 = 5

// ID identifies one form instance. Valid IDs are strictly positive.
type ID int64

func (id ID) Valid() bool {
	return id > 0
}

func ValidateID(id ID) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return nil
}

func ValidateIDs(ids []ID) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty id list", ErrInvalidID)
	}
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return err
		}
	}
	return nil
}

func ValidateNextRefresh(minutes int64) error {
	if minutes < MinNextRefreshMinutes {
		return fmt.Errorf("%w: %d < %d", ErrInvalidRefreshTime, minutes, MinNextRefreshMinutes)
	}
	return nil
}

// Want describes the provider ability a request is addressed to.
type Want struct {
	BundleName  string            `json:"bundle_name"`
	ModuleName  string            `json:"module_name"`
	AbilityName string            `json:"ability_name"`
	FormName    string            `json:"form_name"`
	Dimension   int32             `json:"dimension"`
	Temporary   bool              `json:"temporary,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
}

// ProviderData is the binding data a provider pushes into a form.
type ProviderData struct {
	Data   string            `json:"data"`
	Images map[string][]byte `json:"images,omitempty"`
}

func (d ProviderData) Empty() bool {
	return d.Data == ""
}

// Info is the host-visible snapshot of one form.
type Info struct {
	ID            ID     `json:"id"`
	Name          string `json:"name"`
	BundleName    string `json:"bundle_name"`
	ModuleName    string `json:"module_name"`
	AbilityName   string `json:"ability_name"`
	Dimension     int32  `json:"dimension"`
	Temporary     bool   `json:"temporary"`
	Visible       bool   `json:"visible"`
	UpdateEnabled bool   `json:"update_enabled"`
	Data          string `json:"data,omitempty"`
	NextRefresh   int64  `json:"next_refresh,omitempty"`
}

type LifecycleType int32

const (
	UpdateAsEnable LifecycleType = iota + 1
	UpdateAsDisable
)

func (t LifecycleType) Valid() bool {
	return t == UpdateAsEnable || t == UpdateAsDisable
}

type VisibleType int32

const (
	Visible VisibleType = iota + 1
	Invisible
)

func (t VisibleType) Valid() bool {
	return t == Visible || t == Invisible
}
