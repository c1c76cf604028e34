// Package memory is a process-local repository.Store for development and tests. Each
// operation holds a single lock, which gives it the same atomicity the postgres
// implementation gets from conditional statements and unique indexes.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consent-api/internal/model"
	"github.com/jwalitptl/consent-api/internal/repository"
)

type Store struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*model.User
	grants   map[uuid.UUID]*model.ConsentGrant
	logs     []*model.AccessLog
	outbox   []*model.OutboxEvent
	userRepo *userRepository
}

func NewStore() *Store {
	s := &Store{
		users:  make(map[uuid.UUID]*model.User),
		grants: make(map[uuid.UUID]*model.ConsentGrant),
	}
	s.userRepo = &userRepository{s}
	return s
}

func (s *Store) Users() repository.UserRepository           { return s.userRepo }
func (s *Store) Consents() repository.ConsentRepository     { return &consentRepository{s} }
func (s *Store) AccessLogs() repository.AccessLogRepository { return &accessLogRepository{s} }
func (s *Store) Outbox() repository.OutboxRepository        { return &outboxRepository{s} }
func (s *Store) Ping(ctx context.Context) error             { return ctx.Err() }
func (s *Store) Close() error                               { return nil }

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.Prescriptions = cloneStrings(u.Prescriptions)
	c.Emergency.Allergies = cloneStrings(u.Emergency.Allergies)
	c.Emergency.CurrentMedications = cloneStrings(u.Emergency.CurrentMedications)
	if u.QRExpiresAt != nil {
		t := *u.QRExpiresAt
		c.QRExpiresAt = &t
	}
	return &c
}

func cloneGrant(g *model.ConsentGrant) *model.ConsentGrant {
	c := *g
	c.DataScope = append(model.Scope(nil), g.DataScope...)
	if g.ExpiresAt != nil {
		t := *g.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

type userRepository struct{ s *Store }

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if u.ExternalID == user.ExternalID || u.Email == user.Email ||
			(user.QRToken != "" && u.QRToken == user.QRToken) {
			return repository.ErrDuplicate
		}
	}

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.UpdatedAt = user.CreatedAt
	user.Version = 1
	r.s.users[user.ID] = cloneUser(user)
	return nil
}

func (r *userRepository) find(match func(*model.User) bool) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, u := range r.s.users {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *userRepository) Get(ctx context.Context, id uuid.UUID) (*model.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneUser(u), nil
}

func (r *userRepository) GetByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.ExternalID == externalID })
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.Email == email })
}

func (r *userRepository) GetByQRToken(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, repository.ErrNotFound
	}
	return r.find(func(u *model.User) bool { return u.QRToken == token })
}

func (r *userRepository) UpdatePicture(ctx context.Context, id uuid.UUID, picture string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Picture = picture
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// versioned applies fn to the stored user if its version still matches.
func (r *userRepository) versioned(user *model.User, fn func(stored *model.User)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	stored, ok := r.s.users[user.ID]
	if !ok || stored.Version != user.Version {
		return repository.ErrNoMatch
	}
	fn(stored)
	stored.Version++
	stored.UpdatedAt = time.Now().UTC()
	user.Version = stored.Version
	user.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *userRepository) UpdateMedicalProfile(ctx context.Context, user *model.User) error {
	return r.versioned(user, func(stored *model.User) {
		stored.MedicalHistory = user.MedicalHistory
		stored.Prescriptions = cloneStrings(user.Prescriptions)
		stored.Emergency = model.EmergencyInfo{
			BloodGroup:         user.Emergency.BloodGroup,
			Allergies:          cloneStrings(user.Emergency.Allergies),
			CurrentMedications: cloneStrings(user.Emergency.CurrentMedications),
		}
	})
}

func (r *userRepository) UpdateConsentPreferences(ctx context.Context, user *model.User) error {
	return r.versioned(user, func(stored *model.User) {
		stored.Consent = user.Consent
	})
}

func (r *userRepository) AssignRole(ctx context.Context, id uuid.UUID, role model.Role, organization string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if u.Role != "" && u.Role != role {
		return nil, repository.ErrNoMatch
	}
	u.Role = role
	if organization != "" {
		u.Organization = organization
	}
	u.Version++
	u.UpdatedAt = time.Now().UTC()
	return cloneUser(u), nil
}

func (r *userRepository) SetQRToken(ctx context.Context, id uuid.UUID, token string, expiresAt *time.Time, now time.Time) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	expired := u.QRExpiresAt != nil && !u.QRExpiresAt.After(now)
	if u.QRToken != "" && !expired {
		return cloneUser(u), nil
	}
	for _, other := range r.s.users {
		if other.ID != id && other.QRToken == token {
			return nil, repository.ErrDuplicate
		}
	}
	u.QRToken = token
	u.QRExpiresAt = expiresAt
	u.UpdatedAt = now
	return cloneUser(u), nil
}

type consentRepository struct{ s *Store }

func (r *consentRepository) Create(ctx context.Context, grant *model.ConsentGrant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if grant.Status == model.ConsentStatusPending {
		for _, g := range r.s.grants {
			if g.PatientID == grant.PatientID && g.ProviderID == grant.ProviderID &&
				g.Status == model.ConsentStatusPending {
				return repository.ErrDuplicate
			}
		}
	}

	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	if grant.CreatedAt.IsZero() {
		grant.CreatedAt = time.Now().UTC()
	}
	grant.UpdatedAt = grant.CreatedAt
	grant.Version = 1
	r.s.grants[grant.ID] = cloneGrant(grant)
	return nil
}

func (r *consentRepository) GetForPatient(ctx context.Context, id, patientID uuid.UUID) (*model.ConsentGrant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	g, ok := r.s.grants[id]
	if !ok || g.PatientID != patientID {
		return nil, repository.ErrNotFound
	}
	return cloneGrant(g), nil
}

func (r *consentRepository) Transition(ctx context.Context, t model.ConsentTransition) (*model.ConsentGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	g, ok := r.s.grants[t.GrantID]
	if !ok || g.PatientID != t.PatientID || g.Status != t.From {
		return nil, repository.ErrNoMatch
	}
	g.Status = t.To
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		g.ExpiresAt = &e
	}
	g.Version++
	g.UpdatedAt = t.At
	return cloneGrant(g), nil
}

func (r *consentRepository) summary(id uuid.UUID) *model.UserSummary {
	if u, ok := r.s.users[id]; ok {
		return u.Summary()
	}
	return &model.UserSummary{ID: id}
}

func (r *consentRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, status *model.ConsentStatus) ([]*model.ConsentView, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	views := make([]*model.ConsentView, 0)
	for _, g := range r.s.grants {
		if g.PatientID != patientID || (status != nil && g.Status != *status) {
			continue
		}
		views = append(views, &model.ConsentView{
			ConsentGrant: *cloneGrant(g),
			Provider:     r.summary(g.ProviderID),
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views, nil
}

func (r *consentRepository) ListActiveByProvider(ctx context.Context, providerID uuid.UUID, now time.Time) ([]*model.ConsentView, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	views := make([]*model.ConsentView, 0)
	for _, g := range r.s.grants {
		if g.ProviderID != providerID || !g.IsActive(now) {
			continue
		}
		views = append(views, &model.ConsentView{
			ConsentGrant: *cloneGrant(g),
			Patient:      r.summary(g.PatientID),
		})
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].UpdatedAt.After(views[j].UpdatedAt)
	})
	return views, nil
}

func (r *consentRepository) GetActive(ctx context.Context, patientID, providerID uuid.UUID, now time.Time) (*model.ConsentGrant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var newest *model.ConsentGrant
	for _, g := range r.s.grants {
		if g.PatientID != patientID || g.ProviderID != providerID || !g.IsActive(now) {
			continue
		}
		if newest == nil || g.UpdatedAt.After(newest.UpdatedAt) {
			newest = g
		}
	}
	if newest == nil {
		return nil, repository.ErrNotFound
	}
	return cloneGrant(newest), nil
}

type accessLogRepository struct{ s *Store }

func prepareAccessLog(log *model.AccessLog) *model.AccessLog {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	c := *log
	c.DataAccessed = cloneStrings(log.DataAccessed)
	return &c
}

func (r *accessLogRepository) Create(ctx context.Context, log *model.AccessLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.logs = append(r.s.logs, prepareAccessLog(log))
	return nil
}

func (r *accessLogRepository) CreateBatch(ctx context.Context, logs []*model.AccessLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	batch := make([]*model.AccessLog, 0, len(logs))
	for _, log := range logs {
		batch = append(batch, prepareAccessLog(log))
	}
	r.s.logs = append(r.s.logs, batch...)
	return nil
}

func (r *accessLogRepository) list(match func(*model.AccessLog) bool, view func(*model.AccessLog) *model.AccessLogView) []*model.AccessLogView {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	views := make([]*model.AccessLogView, 0)
	for i := len(r.s.logs) - 1; i >= 0; i-- {
		if log := r.s.logs[i]; match(log) {
			views = append(views, view(log))
		}
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

func (r *accessLogRepository) summary(id uuid.UUID) *model.UserSummary {
	if u, ok := r.s.users[id]; ok {
		return u.Summary()
	}
	return &model.UserSummary{ID: id}
}

func (r *accessLogRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, filter model.AccessLogFilter) ([]*model.AccessLogView, error) {
	return r.list(
		func(l *model.AccessLog) bool {
			return l.PatientID == patientID && (filter.Emergency == nil || l.Emergency == *filter.Emergency)
		},
		func(l *model.AccessLog) *model.AccessLogView {
			return &model.AccessLogView{AccessLog: *prepareAccessLog(l), Accessor: r.summary(l.AccessedBy)}
		},
	), nil
}

func (r *accessLogRepository) ListByAccessor(ctx context.Context, accessorID uuid.UUID) ([]*model.AccessLogView, error) {
	return r.list(
		func(l *model.AccessLog) bool { return l.AccessedBy == accessorID },
		func(l *model.AccessLog) *model.AccessLogView {
			return &model.AccessLogView{AccessLog: *prepareAccessLog(l), Patient: r.summary(l.PatientID)}
		},
	), nil
}

type outboxRepository struct{ s *Store }

func (r *outboxRepository) Create(ctx context.Context, event *model.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	event.ID = uuid.New()
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt
	event.Status = string(model.OutboxStatusPending)
	c := *event
	r.s.outbox = append(r.s.outbox, &c)
	return nil
}

func (r *outboxRepository) ClaimEvents(ctx context.Context, claim model.OutboxClaim) ([]*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	events := make([]*model.OutboxEvent, 0)
	for _, e := range r.s.outbox {
		if len(events) >= claim.Limit {
			break
		}
		if !claim.Claimable(e) {
			continue
		}
		e.Status = string(model.OutboxStatusProcessing)
		e.UpdatedAt = now
		c := *e
		events = append(events, &c)
	}
	return events, nil
}

func (r *outboxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.outbox {
		if e.ID != id {
			continue
		}
		now := time.Now().UTC()
		e.Status = string(status)
		e.ErrorMessage = errMsg
		e.UpdatedAt = now
		switch status {
		case model.OutboxStatusFailed:
			e.RetryCount++
		case model.OutboxStatusProcessed:
			e.ProcessedAt = &now
		}
		return nil
	}
	return repository.ErrNoMatch
}
