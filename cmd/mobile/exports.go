package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"time"
)

// All exports below return a JSON C string that must be released with
// FreeString, or nil on failure with the error available from
// GetLastError. Entity bodies use the same JSON field names as the REST API.

// =====================================================
// Tasks
// =====================================================

//export TaskCreate
func TaskCreate(body *C.char) *C.char {
	s := C.GoString(body)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.taskCreate(ctx, s) })
}

//export TaskList
// TaskList lists tasks; filter is pending, completed or all.
func TaskList(filter *C.char, refresh int32) *C.char {
	f := C.GoString(filter)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.taskList(ctx, f, refresh != 0) })
}

//export TaskUpdate
func TaskUpdate(id, body *C.char) *C.char {
	localID, s := C.GoString(id), C.GoString(body)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.taskUpdate(ctx, localID, s) })
}

//export TaskComplete
func TaskComplete(id *C.char) *C.char {
	localID := C.GoString(id)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.taskComplete(ctx, localID) })
}

//export TaskDelete
func TaskDelete(id *C.char) *C.char {
	localID := C.GoString(id)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.taskDelete(ctx, localID) })
}

// =====================================================
// Events
// =====================================================

//export EventCreate
func EventCreate(body *C.char) *C.char {
	s := C.GoString(body)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.eventCreate(ctx, s) })
}

//export EventList
// EventList lists events, restricted to [from, to) when both are given
// as RFC 3339 timestamps.
func EventList(from, to *C.char, refresh int32) *C.char {
	f, t := C.GoString(from), C.GoString(to)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.eventList(ctx, f, t, refresh != 0) })
}

//export EventUpdate
func EventUpdate(id, body *C.char) *C.char {
	localID, s := C.GoString(id), C.GoString(body)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.eventUpdate(ctx, localID, s) })
}

//export EventDelete
func EventDelete(id *C.char) *C.char {
	localID := C.GoString(id)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.eventDelete(ctx, localID) })
}

// =====================================================
// Chat
// =====================================================

//export ChatCreateSession
func ChatCreateSession(title, agentName *C.char) *C.char {
	t, a := C.GoString(title), C.GoString(agentName)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.chatCreateSession(ctx, t, a) })
}

//export ChatListSessions
func ChatListSessions(refresh int32) *C.char {
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.chatListSessions(ctx, refresh != 0) })
}

//export ChatSend
func ChatSend(sessionID, body *C.char) *C.char {
	id, s := C.GoString(sessionID), C.GoString(body)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.chatSend(ctx, id, s) })
}

//export ChatHistory
func ChatHistory(sessionID *C.char, limit int32) *C.char {
	id := C.GoString(sessionID)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.chatHistory(ctx, id, int(limit)) })
}

//export ChatDeleteSession
func ChatDeleteSession(sessionID *C.char) *C.char {
	id := C.GoString(sessionID)
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.chatDeleteSession(ctx, id) })
}

// =====================================================
// Sync
// =====================================================

//export SyncNow
func SyncNow() *C.char {
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.syncNow(ctx) })
}

//export SyncStatus
func SyncStatus() *C.char {
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.syncStatus(ctx) })
}

//export SyncRetry
func SyncRetry() *C.char {
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.syncRetry(ctx) })
}

//export SyncConflicts
func SyncConflicts(limit int32) *C.char {
	return call(func(ctx context.Context, b *bridge) (any, error) { return b.syncConflicts(ctx, int(limit)) })
}

//export Login
// Login stores an access token; expiresIn is in seconds, 0 for no expiry.
func Login(token *C.char, expiresIn int64) *C.char {
	t := C.GoString(token)
	return call(func(_ context.Context, b *bridge) (any, error) {
		return b.login(t, time.Duration(expiresIn)*time.Second)
	})
}

//export Logout
func Logout() *C.char {
	return call(func(_ context.Context, b *bridge) (any, error) { return b.logout() })
}

//export ReportConnectivity
// ReportConnectivity forwards the platform's network callback; up is 0
// when the link went down.
func ReportConnectivity(up int32) {
	b, err := current()
	if err != nil {
		setLastError(err)
		return
	}
	b.reportLink(up != 0)
}
