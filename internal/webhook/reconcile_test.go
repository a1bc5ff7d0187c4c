package webhook

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
)

type fakeStore struct {
	number  *db.SendingNumber
	job     *db.SendJob
	contact *db.Contact

	webhookEvents map[string]bool
	events        []*db.Event
	dnc           map[string]bool

	sentJobs      []uuid.UUID
	deliveredJobs []uuid.UUID
	failedJobs    map[uuid.UUID]string
}

func newReconcileStore() *fakeStore {
	return &fakeStore{
		webhookEvents: map[string]bool{},
		dnc:           map[string]bool{},
		failedJobs:    map[uuid.UUID]string{},
	}
}

func (f *fakeStore) GetSendingNumberByPhone(ctx context.Context, phoneE164 string) (*db.SendingNumber, error) {
	if f.number == nil || f.number.PhoneE164 != phoneE164 {
		return nil, db.ErrNotFound
	}
	return f.number, nil
}

func (f *fakeStore) InsertWebhookEvent(ctx context.Context, ev *db.WebhookEvent) (bool, error) {
	if f.webhookEvents[ev.ProviderEventID] {
		return false, nil
	}
	f.webhookEvents[ev.ProviderEventID] = true
	return true, nil
}

func (f *fakeStore) GetSendJobByProviderMessageID(ctx context.Context, tenantID uuid.UUID, providerMessageID string) (*db.SendJob, error) {
	if f.job == nil || f.job.ProviderMessageID == nil || *f.job.ProviderMessageID != providerMessageID {
		return nil, db.ErrNotFound
	}
	return f.job, nil
}

func (f *fakeStore) MarkSendJobSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	f.sentJobs = append(f.sentJobs, id)
	return nil
}

func (f *fakeStore) MarkSendJobDelivered(ctx context.Context, id uuid.UUID) error {
	f.deliveredJobs = append(f.deliveredJobs, id)
	return nil
}

func (f *fakeStore) MarkSendJobFailed(ctx context.Context, id uuid.UUID, reason string) error {
	f.failedJobs[id] = reason
	return nil
}

func (f *fakeStore) GetContactByPhone(ctx context.Context, tenantID uuid.UUID, phoneE164 string) (*db.Contact, error) {
	if f.contact == nil || f.contact.PhoneE164 != phoneE164 {
		return nil, db.ErrNotFound
	}
	return f.contact, nil
}

func (f *fakeStore) AddToDNC(ctx context.Context, tenantID uuid.UUID, phoneE164, reason string) error {
	f.dnc[phoneE164] = true
	return nil
}

func (f *fakeStore) RemoveFromDNC(ctx context.Context, tenantID uuid.UUID, phoneE164 string) error {
	delete(f.dnc, phoneE164)
	return nil
}

func (f *fakeStore) InsertEvent(ctx context.Context, ev *db.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) eventTypes() []string {
	types := make([]string, len(f.events))
	for i, ev := range f.events {
		types[i] = ev.EventType
	}
	return types
}

const receivingNumber = "+61400000001"

func reconcileFixtures() (*fakeStore, *Reconciler) {
	store := newReconcileStore()
	tenantID := uuid.New()
	store.number = &db.SendingNumber{ID: uuid.New(), TenantID: tenantID, PhoneE164: receivingNumber}

	msgID := "SM123"
	store.job = &db.SendJob{
		ID:                uuid.New(),
		TenantID:          tenantID,
		CampaignID:        uuid.New(),
		ContactID:         uuid.New(),
		Status:            db.JobSent,
		ProviderMessageID: &msgID,
	}
	store.contact = &db.Contact{ID: uuid.New(), TenantID: tenantID, PhoneE164: "+61412345678"}

	return store, NewReconciler(store, zap.NewNop())
}

func statusParams(status string) map[string]string {
	return map[string]string{
		"MessageSid":    "SM123",
		"MessageStatus": status,
		"To":            receivingNumber,
		"From":          "+61412345678",
	}
}

func TestProcessDelivered(t *testing.T) {
	store, r := reconcileFixtures()

	res, err := r.Process(context.Background(), statusParams("delivered"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Duplicate {
		t.Fatal("first delivery flagged duplicate")
	}
	if len(store.deliveredJobs) != 1 || store.deliveredJobs[0] != store.job.ID {
		t.Fatalf("job not marked delivered: %v", store.deliveredJobs)
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventDelivered {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessFailedWithErrorCode(t *testing.T) {
	store, r := reconcileFixtures()
	params := statusParams("undelivered")
	params["ErrorCode"] = "30003"

	if _, err := r.Process(context.Background(), params); err != nil {
		t.Fatalf("process: %v", err)
	}
	if store.failedJobs[store.job.ID] != "30003" {
		t.Fatalf("failure reason = %q", store.failedJobs[store.job.ID])
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventFailed {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessSentDoesNotDemoteDelivered(t *testing.T) {
	store, r := reconcileFixtures()
	store.job.Status = db.JobDelivered

	if _, err := r.Process(context.Background(), statusParams("sent")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.sentJobs) != 0 {
		t.Fatal("delivered job stepped back to sent")
	}
	// The receipt still lands on the timeline.
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventSent {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessQueuedIsEventOnly(t *testing.T) {
	store, r := reconcileFixtures()

	if _, err := r.Process(context.Background(), statusParams("accepted")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.sentJobs)+len(store.deliveredJobs)+len(store.failedJobs) != 0 {
		t.Fatal("accepted status must not change job state")
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventQueued {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessDuplicateEventID(t *testing.T) {
	store, r := reconcileFixtures()

	if _, err := r.Process(context.Background(), statusParams("delivered")); err != nil {
		t.Fatalf("first process: %v", err)
	}
	res, err := r.Process(context.Background(), statusParams("delivered"))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("replay not flagged duplicate")
	}
	if len(store.deliveredJobs) != 1 {
		t.Fatalf("job marked delivered %d times", len(store.deliveredJobs))
	}
	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
}

func TestProcessUnknownReceivingNumber(t *testing.T) {
	_, r := reconcileFixtures()
	params := statusParams("delivered")
	params["To"] = "+61499999999"

	_, err := r.Process(context.Background(), params)
	if !errors.Is(err, ErrUnknownReceiver) {
		t.Fatalf("expected ErrUnknownReceiver, got %v", err)
	}
}

func TestProcessUnknownJobStillRecordsEvent(t *testing.T) {
	store, r := reconcileFixtures()
	tenantID := store.number.TenantID
	store.job = nil
	params := statusParams("undelivered")
	params["ErrorCode"] = "30005"

	if _, err := r.Process(context.Background(), params); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.failedJobs) != 0 {
		t.Fatal("job state changed without a matching job")
	}
	// The receipt still lands on the tenant timeline, unreferenced.
	if len(store.events) != 1 {
		t.Fatalf("events = %d, want 1", len(store.events))
	}
	ev := store.events[0]
	if ev.TenantID != tenantID || ev.EventType != db.EventFailed {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ContactID != nil || ev.CampaignID != nil || ev.SendJobID != nil {
		t.Fatal("orphan receipt event must carry no job references")
	}
	if !strings.Contains(string(ev.Metadata), "SM123") || !strings.Contains(string(ev.Metadata), "30005") {
		t.Fatalf("metadata = %s", ev.Metadata)
	}
}

func inboundParams(body string) map[string]string {
	return map[string]string{
		"MessageSid": "SM900",
		"To":         receivingNumber,
		"From":       "+61412345678",
		"Body":       body,
	}
}

func TestProcessInboundStop(t *testing.T) {
	store, r := reconcileFixtures()

	if _, err := r.Process(context.Background(), inboundParams("STOP")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !store.dnc["+61412345678"] {
		t.Fatal("STOP did not add contact to DNC")
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventOptOut {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessInboundStopLowercaseWhitespace(t *testing.T) {
	store, r := reconcileFixtures()

	if _, err := r.Process(context.Background(), inboundParams("  stop  ")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !store.dnc["+61412345678"] {
		t.Fatal("lowercase padded STOP not honored")
	}
}

func TestProcessInboundStart(t *testing.T) {
	store, r := reconcileFixtures()
	store.dnc["+61412345678"] = true

	if _, err := r.Process(context.Background(), inboundParams("START")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if store.dnc["+61412345678"] {
		t.Fatal("START did not remove contact from DNC")
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventResubscribe {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessInboundReply(t *testing.T) {
	store, r := reconcileFixtures()

	if _, err := r.Process(context.Background(), inboundParams("what time do you open?")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.dnc) != 0 {
		t.Fatal("plain reply touched the DNC list")
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventReplied {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessInboundNationalNumberNormalized(t *testing.T) {
	store, r := reconcileFixtures()
	params := inboundParams("STOP")
	// Some carriers hand the sender back in national format.
	params["From"] = "0412 345 678"

	if _, err := r.Process(context.Background(), params); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !store.dnc["+61412345678"] {
		t.Fatalf("DNC keys = %v, want normalized +61412345678", store.dnc)
	}
	if got := store.eventTypes(); len(got) != 1 || got[0] != db.EventOptOut {
		t.Fatalf("events = %v", got)
	}
}

func TestProcessInboundUnknownContact(t *testing.T) {
	store, r := reconcileFixtures()
	store.contact = nil

	if _, err := r.Process(context.Background(), inboundParams("STOP")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(store.events) != 0 {
		t.Fatal("events recorded for unknown contact")
	}
}
