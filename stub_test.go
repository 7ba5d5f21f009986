package calnotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mashiike/calnotify/pkg/calnotifyevent"
)

type stubEvent struct {
	ID        string        `json:"id"`
	ETag      string        `json:"@odata.etag"`
	Attendees []stubInvitee `json:"attendees"`
}

type stubInvitee struct {
	EmailAddress struct {
		Address string `json:"address"`
	} `json:"emailAddress"`
	Status struct {
		Response string `json:"response"`
	} `json:"status"`
}

func newStubInvitee(address, response string) stubInvitee {
	var invitee stubInvitee
	invitee.EmailAddress.Address = address
	invitee.Status.Response = response
	return invitee
}

type stubHandler struct {
	mu            sync.RWMutex
	t             *testing.T
	router        *mux.Router
	subscriptions map[string]*graphSubscription
	events        map[string]*stubEvent
	renewStatus   int
	renewFailures int
	renewCalls    int
}

func NewStub(t *testing.T) (*httptest.Server, *stubHandler) {
	t.Helper()
	stub := &stubHandler{
		t:             t,
		router:        mux.NewRouter(),
		subscriptions: make(map[string]*graphSubscription),
		events:        make(map[string]*stubEvent),
	}
	stub.setupRoute()
	return httptest.NewServer(stub), stub
}

func (h *stubHandler) setupRoute() {
	h.router.HandleFunc("/subscriptions", h.handleCreate).Methods(http.MethodPost)
	h.router.HandleFunc("/subscriptions", h.handleList).Methods(http.MethodGet)
	h.router.HandleFunc("/subscriptions/{id}", h.handleRenew).Methods(http.MethodPatch)
	h.router.HandleFunc("/subscriptions/{id}", h.handleDelete).Methods(http.MethodDelete)
	h.router.PathPrefix("/").HandlerFunc(h.handleGetEvent).Methods(http.MethodGet)
}

func (h *stubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.router.ServeHTTP(w, r)
}

// SetEvent registers the current upstream representation of a resource.
func (h *stubHandler) SetEvent(resourceID, etag string, invitees ...stubInvitee) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[resourceID] = &stubEvent{
		ID:        resourceID,
		ETag:      etag,
		Attendees: invitees,
	}
}

// FailRenewals makes the next count renewal requests answer with status.
func (h *stubHandler) FailRenewals(status, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.renewStatus = status
	h.renewFailures = count
}

func (h *stubHandler) RenewCalls() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.renewCalls
}

func (h *stubHandler) Subscription(id string) (*graphSubscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subscriptions[id]
	return sub, ok
}

func (h *stubHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var sub graphSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sub.ID = uuid.NewString()
	h.subscriptions[sub.ID] = &sub
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&sub)
}

func (h *stubHandler) handleList(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*graphSubscription, 0, len(h.subscriptions))
	for _, sub := range h.subscriptions {
		subs = append(subs, sub)
	}
	json.NewEncoder(w).Encode(map[string]any{"value": subs})
}

func (h *stubHandler) handleRenew(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.renewCalls++
	if h.renewFailures > 0 {
		h.renewFailures--
		if h.renewStatus == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "0")
		}
		w.WriteHeader(h.renewStatus)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "testFailure", "message": "injected failure"},
		})
		return
	}
	id := mux.Vars(r)["id"]
	sub, ok := h.subscriptions[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var patch graphSubscription
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sub.ExpirationDateTime = patch.ExpirationDateTime
	json.NewEncoder(w).Encode(sub)
}

func (h *stubHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := mux.Vars(r)["id"]
	if _, ok := h.subscriptions[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(h.subscriptions, id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *stubHandler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, event := range h.events {
		if r.URL.Path == "/"+event.ID || hasSuffixSegment(r.URL.Path, event.ID) {
			json.NewEncoder(w).Encode(event)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "ErrorItemNotFound", "message": "The specified object was not found in the store."},
	})
}

func hasSuffixSegment(path, id string) bool {
	if len(path) <= len(id) {
		return false
	}
	return path[len(path)-len(id):] == id && path[len(path)-len(id)-1] == '/'
}

// memoryNotification captures change events for assertions.
type memoryNotification struct {
	mu      sync.Mutex
	details []*calnotifyevent.Detail
}

func (n *memoryNotification) SendChangeEvents(_ context.Context, details []*calnotifyevent.Detail) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.details = append(n.details, details...)
	return nil
}

func (n *memoryNotification) Details() []*calnotifyevent.Detail {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*calnotifyevent.Detail(nil), n.details...)
}

func newTestComponents(t *testing.T, ctx context.Context, endpoint string) (Storage, SnapshotStorage, DedupeLedger, *GraphClient, *memoryNotification) {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewFileStorage(ctx, StorageOption{Type: "file", DataDir: dir})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	snapshots, err := NewFileSnapshotStorage(ctx, StorageOption{Type: "file", DataDir: dir})
	if err != nil {
		t.Fatalf("failed to create snapshot storage: %v", err)
	}
	ledger, err := NewFileDedupeLedger(ctx, StorageOption{Type: "file", DataDir: dir})
	if err != nil {
		t.Fatalf("failed to create dedupe ledger: %v", err)
	}
	graph := NewGraphClient(GraphOption{
		Endpoint:    endpoint,
		ChangeTypes: "updated,deleted",
	}, &StaticCredentialProvider{Token: "test-token"})
	return storage, snapshots, ledger, graph, &memoryNotification{}
}
