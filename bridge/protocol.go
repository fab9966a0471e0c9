package bridge

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// CallID correlates a request with its eventual response. IDs are
// process-unique: a per-bridge uuid nonce plus a monotonic counter.
// An id is never reused while its call is pending.
type CallID string

type idMinter struct {
	nonce string
	seq   atomic.Uint64
}

func newIDMinter() *idMinter {
	return &idMinter{nonce: uuid.NewString()[:8]}
}

func (m *idMinter) next() CallID {
	return CallID(fmt.Sprintf("%s-%d", m.nonce, m.seq.Add(1)))
}

// request is a message from the coordinator to the execution host.
// Requests are pure data; payload slices are transferred, not copied.
type request interface {
	callID() CallID
}

type executeRequest struct {
	ID     CallID
	Source string
	// Deadline, when non-zero, asks the host to interrupt the engine
	// once it passes. Best effort: engines that cannot be interrupted
	// keep running.
	Deadline time.Time
}

type registerResourceRequest struct {
	ID       CallID
	Resource resource.Resource
}

type unregisterResourceRequest struct {
	ID   CallID
	Name string
}

type describeResourceRequest struct {
	ID   CallID
	Name string
}

type statusRequest struct {
	ID CallID
}

func (r executeRequest) callID() CallID            { return r.ID }
func (r registerResourceRequest) callID() CallID   { return r.ID }
func (r unregisterResourceRequest) callID() CallID { return r.ID }
func (r describeResourceRequest) callID() CallID   { return r.ID }
func (r statusRequest) callID() CallID             { return r.ID }

// response is a message from the execution host back to the
// coordinator. Lifecycle broadcasts (readyEvent, progressEvent) carry
// no id; everything else echoes the id of its triggering request.
type response interface {
	callID() CallID
}

type executeResponse struct {
	ID     CallID
	Result engine.ExecutionResult
}

// resourceResponse answers register/unregister requests and carries the
// authoritative resource listing so the coordinator can correct its
// mirror.
type resourceResponse struct {
	ID        CallID
	Resources []resource.Info
}

type describeResponse struct {
	ID     CallID
	Schema engine.Schema
}

type statusResponse struct {
	ID        CallID
	Engine    string
	Resources int
}

// errorResponse with an empty ID is bridge-fatal; with an ID it rejects
// only that call.
type errorResponse struct {
	ID  CallID
	Err string
}

type readyEvent struct{}

type progressEvent struct {
	Stage string
}

func (r executeResponse) callID() CallID  { return r.ID }
func (r resourceResponse) callID() CallID { return r.ID }
func (r describeResponse) callID() CallID { return r.ID }
func (r statusResponse) callID() CallID   { return r.ID }
func (r errorResponse) callID() CallID    { return r.ID }
func (r readyEvent) callID() CallID       { return "" }
func (r progressEvent) callID() CallID    { return "" }
