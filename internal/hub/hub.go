package hub

import (
	"sync"

	"github.com/rollsync/rollsync/internal/models"
)

// Conn is one live subscriber connection. Send must not block; returning an
// error marks the connection dead for that delivery and the message is
// dropped (absent clients recover through the catch-up handshake, never
// through buffering here).
type Conn interface {
	ID() string
	Send(message models.BroadcastMessage) error
}

// Hub tracks which live connections are subscribed to which class room and
// fans canonical updates out to them. Rooms are purely ephemeral: they are
// rebuilt from active connections after a restart and never persisted.
type Hub struct {
	mu sync.RWMutex
	// classID -> connID -> connection
	rooms map[string]map[string]Conn
	// connID -> set of classIDs, for O(rooms-of-conn) disconnect cleanup
	memberships map[string]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		rooms:       make(map[string]map[string]Conn),
		memberships: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Subscribe(conn Conn, classID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[classID]
	if !ok {
		room = make(map[string]Conn)
		h.rooms[classID] = room
	}
	room[conn.ID()] = conn

	classes, ok := h.memberships[conn.ID()]
	if !ok {
		classes = make(map[string]struct{})
		h.memberships[conn.ID()] = classes
	}
	classes[classID] = struct{}{}
}

func (h *Hub) Unsubscribe(conn Conn, classID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn.ID(), classID)
}

// OnDisconnect removes the connection from every room it joined.
func (h *Hub) OnDisconnect(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for classID := range h.memberships[conn.ID()] {
		h.removeLocked(conn.ID(), classID)
	}
}

func (h *Hub) removeLocked(connID, classID string) {
	if room, ok := h.rooms[classID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, classID)
		}
	}
	if classes, ok := h.memberships[connID]; ok {
		delete(classes, classID)
		if len(classes) == 0 {
			delete(h.memberships, connID)
		}
	}
}

// Broadcast pushes the updated record to every current member of the class
// room, including the originator's connection if it is subscribed. Delivery
// is fire-and-forget: a dead or slow connection is silently skipped.
func (h *Hub) Broadcast(classID string, record *models.AttendanceRecord) {
	message := models.NewBroadcastMessage(record)

	h.mu.RLock()
	conns := make([]Conn, 0, len(h.rooms[classID]))
	for _, conn := range h.rooms[classID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Send(message)
	}
}

// RoomSize reports the current member count of a class room.
func (h *Hub) RoomSize(classID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[classID])
}
