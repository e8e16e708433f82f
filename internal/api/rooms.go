package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"messmini/internal/content"
	"messmini/internal/models"
)

func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.store.ListUserRooms(userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

// CreateRoomHandler creates a room owned by the caller and subscribes the
// live connections of every member.
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	name := strings.TrimSpace(content.Sanitize(req.Name))
	if name == "" {
		http.Error(w, "Room name is required", http.StatusBadRequest)
		return
	}

	room, err := a.store.CreateRoom(name, content.Sanitize(req.Description), userIDFrom(r), req.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, member := range room.Members {
		a.notifier.RoomMemberAdded(room.ID, member)
	}
	writeJSON(w, http.StatusCreated, room)
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if err := a.store.DeleteRoom(roomID, userIDFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	a.notifier.RoomDeleted(roomID)
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// AddRoomMemberHandler lets any member invite another user.
func (a *API) AddRoomMemberHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if err := a.requireMember(roomID, userIDFrom(r)); err != nil {
		writeError(w, err)
		return
	}

	userID := r.PathValue("userId")
	room, err := a.store.AddRoomMember(roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	a.notifier.RoomMemberAdded(roomID, userID)
	writeJSON(w, http.StatusOK, room)
}

// RemoveRoomMemberHandler lets the creator remove anyone and a member leave.
func (a *API) RemoveRoomMemberHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	caller := userIDFrom(r)
	userID := r.PathValue("userId")

	room, err := a.store.GetRoom(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller != userID && caller != room.CreatorID {
		writeError(w, models.ErrForbidden)
		return
	}
	if userID == room.CreatorID {
		http.Error(w, "The creator cannot leave the room, delete it instead", http.StatusBadRequest)
		return
	}

	room, err = a.store.RemoveRoomMember(roomID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	a.notifier.RoomMemberRemoved(roomID, userID)
	writeJSON(w, http.StatusOK, room)
}

func (a *API) RoomMessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if err := a.requireMember(roomID, userIDFrom(r)); err != nil {
		writeError(w, err)
		return
	}

	messages, err := a.store.ListRoomMessages(roomID)
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range messages {
		messages[i].HTML = content.Render(messages[i].Content)
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *API) MarkRoomReadHandler(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	caller := userIDFrom(r)
	if err := a.requireMember(roomID, caller); err != nil {
		writeError(w, err)
		return
	}

	if _, err := a.store.MarkRoomRead(roomID, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) requireMember(roomID, userID string) error {
	ok, err := a.store.IsRoomMember(roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotMember
	}
	return nil
}
