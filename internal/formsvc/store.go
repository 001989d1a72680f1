package formsvc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/formmgr"
	csync "github.com/danmuck/formlink/internal/sync"
)

var (
	ErrFormNotFound    = errors.New("formsvc: form not found")
	ErrTokenMismatch   = errors.New("formsvc: token does not own form")
	ErrNotTemporary    = errors.New("formsvc: form is not temporary")
	ErrInvalidArgument = errors.New("formsvc: invalid argument")
)

type storedForm struct {
	info  form.Info
	token string
}

// Store keeps every form the service knows about. It implements
// formmgr.Service so it can be published in-process as well as served.
type Store struct {
	mu     csync.RWMutex
	forms  map[form.ID]*storedForm
	nextID form.ID
}

var _ formmgr.Service = (*Store)(nil)

func NewStore() *Store {
	return &Store{forms: make(map[form.ID]*storedForm)}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.forms)
}

// AddForm creates a form when id is zero and otherwise returns the existing
// form id.
// Form returns a snapshot of one form.
func (s *Store) Form(id form.ID) (form.Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forms[id]
	if !ok {
		return form.Info{}, false
	}
	return f.info, true
}

func (s *Store) AddForm(_ context.Context, id form.ID, want form.Want, token string) (form.Info, error) {
	if id < 0 {
		return form.Info{}, fmt.Errorf("%w: %d", form.ErrInvalidID, id)
	}
	if want.BundleName == "" || want.AbilityName == "" {
		return form.Info{}, fmt.Errorf("%w: want needs bundle and ability", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id > 0 {
		f, ok := s.forms[id]
		if !ok {
			return form.Info{}, fmt.Errorf("%w: %d", ErrFormNotFound, id)
		}
		return f.info, nil
	}
	s.nextID++
	info := form.Info{
		ID:            s.nextID,
		Name:          want.FormName,
		BundleName:    want.BundleName,
		ModuleName:    want.ModuleName,
		AbilityName:   want.AbilityName,
		Dimension:     want.Dimension,
		Temporary:     want.Temporary,
		UpdateEnabled: true,
	}
	s.forms[info.ID] = &storedForm{info: info, token: token}
	return info, nil
}

func (s *Store) DeleteForm(_ context.Context, id form.ID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ownedLocked(id, token); err != nil {
		return err
	}
	delete(s.forms, id)
	return nil
}

// ReleaseForm keeps the form but drops its cached data when delCache is set.
func (s *Store) ReleaseForm(_ context.Context, id form.ID, token string, delCache bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.ownedLocked(id, token)
	if err != nil {
		return err
	}
	if delCache {
		f.info.Data = ""
	}
	return nil
}

func (s *Store) UpdateForm(_ context.Context, id form.ID, data form.ProviderData) error {
	if data.Empty() {
		return fmt.Errorf("%w: form %d", formmgr.ErrProviderDataEmpty, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.getLocked(id)
	if err != nil {
		return err
	}
	f.info.Data = data.Data
	return nil
}

func (s *Store) RequestForm(_ context.Context, id form.ID, token string, _ form.Want) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.ownedLocked(id, token)
	return err
}

func (s *Store) MessageEvent(_ context.Context, id form.ID, _ form.Want, token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.ownedLocked(id, token)
	return err
}

func (s *Store) RouterEvent(_ context.Context, id form.ID, _ form.Want, token string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.ownedLocked(id, token)
	return err
}

func (s *Store) CastTempForm(_ context.Context, id form.ID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.ownedLocked(id, token)
	if err != nil {
		return err
	}
	if !f.info.Temporary {
		return fmt.Errorf("%w: %d", ErrNotTemporary, id)
	}
	f.info.Temporary = false
	return nil
}

func (s *Store) SetNextRefreshTime(_ context.Context, id form.ID, minutes int64) error {
	if err := form.ValidateNextRefresh(minutes); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.getLocked(id)
	if err != nil {
		return err
	}
	f.info.NextRefresh = minutes
	return nil
}

func (s *Store) LifecycleUpdate(_ context.Context, ids []form.ID, token string, kind form.LifecycleType) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: lifecycle type %d", ErrInvalidArgument, kind)
	}
	return s.updateAll(ids, token, func(info *form.Info) {
		info.UpdateEnabled = kind == form.UpdateAsEnable
	})
}

func (s *Store) NotifyFormsVisible(_ context.Context, ids []form.ID, token string, visible form.VisibleType) error {
	if !visible.Valid() {
		return fmt.Errorf("%w: visible type %d", ErrInvalidArgument, visible)
	}
	return s.updateAll(ids, token, func(info *form.Info) {
		info.Visible = visible == form.Visible
	})
}

// DeleteInvalidForms removes forms owned by token that are not in validIDs.
func (s *Store) DeleteInvalidForms(_ context.Context, validIDs []form.ID, token string) (int, error) {
	keep := make(map[form.ID]struct{}, len(validIDs))
	for _, id := range validIDs {
		keep[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, f := range s.forms {
		if f.token != token {
			continue
		}
		if _, ok := keep[id]; ok {
			continue
		}
		delete(s.forms, id)
		removed++
	}
	return removed, nil
}

func (s *Store) GetAllFormsInfo(context.Context) ([]form.Info, error) {
	s.mu.RLock()
	out := make([]form.Info, 0, len(s.forms))
	for _, f := range s.forms {
		out = append(out, f.info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// updateAll applies fn to every id or to none of them.
func (s *Store) updateAll(ids []form.ID, token string, fn func(*form.Info)) error {
	if err := form.ValidateIDs(ids); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make([]*storedForm, 0, len(ids))
	for _, id := range ids {
		f, err := s.ownedLocked(id, token)
		if err != nil {
			return err
		}
		targets = append(targets, f)
	}
	for _, f := range targets {
		fn(&f.info)
	}
	return nil
}

func (s *Store) getLocked(id form.ID) (*storedForm, error) {
	if err := form.ValidateID(id); err != nil {
		return nil, err
	}
	f, ok := s.forms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrFormNotFound, id)
	}
	return f, nil
}

func (s *Store) ownedLocked(id form.ID, token string) (*storedForm, error) {
	f, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if f.token != token {
		return nil, fmt.Errorf("%w: %d", ErrTokenMismatch, id)
	}
	return f, nil
}
