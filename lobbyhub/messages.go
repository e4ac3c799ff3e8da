package lobbyhub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tkahng/turnframe/game"
	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/store"
)

// Inbound message payloads, matching spec section 6's lobby channel.

type initializeMsg struct {
	ActiveGames    []model.ActiveGameEntry `json:"activeGames"`
	AvailableRooms []model.Room            `json:"availableRooms"`
}

type joinQueueMsg struct {
	QueueID string          `json:"queueId"`
	Loadout json.RawMessage `json:"loadout"`
}

type createAndJoinRoomMsg struct {
	Config     json.RawMessage `json:"config"`
	NumPlayers int             `json:"numPlayers"`
	Private    bool            `json:"private"`
	Loadout    json.RawMessage `json:"loadout"`
}

type joinRoomMsg struct {
	RoomID  string          `json:"roomId"`
	Loadout json.RawMessage `json:"loadout"`
}

type commitRoomMsg struct {
	RoomID string `json:"roomId"`
}

type updateUsernameMsg struct {
	Username string `json:"username"`
}

// Initialize seeds the connection's last-sent caches so the next
// broadcast only sends a diff against the client's asserted baseline.
func (c *Conn) Initialize(ctx context.Context, data json.RawMessage) {
	var msg initializeMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("lobbyhub: malformed Initialize")
		return
	}
	c.mu.Lock()
	c.lastActiveGames = msg.ActiveGames
	c.lastAvailableRooms = msg.AvailableRooms
	c.mu.Unlock()
}

// JoinQueue validates the queue and loadout and starts matchmaking.
func (c *Conn) JoinQueue(ctx context.Context, data json.RawMessage) {
	var msg joinQueueMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("lobbyhub: malformed JoinQueue")
		return
	}

	qc, ok := c.hub.Defs.Queue(msg.QueueID)
	if !ok {
		c.displayError(fmt.Sprintf("unknown queue %q", msg.QueueID))
		return
	}
	def := c.hub.Defs.Definition()
	if !game.ValidateLoadout(def, msg.Loadout) {
		c.displayError("loadout is not valid for this queue")
		return
	}

	entryID := c.hub.IDGen()
	c.mu.Lock()
	player := c.player
	c.mu.Unlock()

	watchCtx, cancel := context.WithCancel(c.hub.hubCtx)
	c.mu.Lock()
	c.entries[entryID] = &matchmakingEntry{kind: kindQueue, id: msg.QueueID, entryID: entryID, cancel: cancel}
	c.mu.Unlock()
	go c.watchAssignment(watchCtx, entryID)

	err := c.hub.Matchmaker.AddToQueue(ctx, msg.QueueID, qc.NumPlayers, entryID, c.userID, player, msg.Loadout, qc.Config, def.Setup)
	if err != nil {
		cancel()
		c.mu.Lock()
		delete(c.entries, entryID)
		c.mu.Unlock()
		c.displayError(err.Error())
	}
}

// CreateAndJoinRoom validates config/loadout, creates a room, then joins it.
func (c *Conn) CreateAndJoinRoom(ctx context.Context, data json.RawMessage) {
	var msg createAndJoinRoomMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("lobbyhub: malformed CreateAndJoinRoom")
		return
	}

	def := c.hub.Defs.Definition()
	if !game.ValidateRoom(def, msg.Config, msg.NumPlayers, msg.Private) {
		c.displayError("room configuration is not valid")
		return
	}
	if !game.ValidateLoadout(def, msg.Loadout) {
		c.displayError("loadout is not valid for this room")
		return
	}

	roomID := c.hub.IDGen()
	if err := c.hub.Matchmaker.CreateRoom(ctx, roomID, msg.NumPlayers, msg.Config, msg.Private); err != nil {
		c.displayError(err.Error())
		return
	}
	c.joinRoom(ctx, roomID, msg.Loadout)
}

// JoinRoom validates the room exists, is not full, and accepts the
// loadout, then joins it. Fullness and existence are enforced inside
// Matchmaker.AddToRoom; loadout validation happens here at the request
// boundary, per spec section 4.3's HandleLoadoutValidation note.
func (c *Conn) JoinRoom(ctx context.Context, data json.RawMessage) {
	var msg joinRoomMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("lobbyhub: malformed JoinRoom")
		return
	}
	def := c.hub.Defs.Definition()
	if !game.ValidateLoadout(def, msg.Loadout) {
		c.displayError("loadout is not valid for this room")
		return
	}
	c.joinRoom(ctx, msg.RoomID, msg.Loadout)
}

func (c *Conn) joinRoom(ctx context.Context, roomID string, loadout json.RawMessage) {
	entryID := c.hub.IDGen()
	c.mu.Lock()
	player := c.player
	c.mu.Unlock()

	watchCtx, cancel := context.WithCancel(c.hub.hubCtx)
	c.mu.Lock()
	c.entries[entryID] = &matchmakingEntry{kind: kindRoom, id: roomID, entryID: entryID, cancel: cancel}
	c.mu.Unlock()
	go c.watchAssignment(watchCtx, entryID)

	if err := c.hub.Matchmaker.AddToRoom(ctx, roomID, entryID, c.userID, player, loadout); err != nil {
		cancel()
		c.mu.Lock()
		delete(c.entries, entryID)
		c.mu.Unlock()
		c.displayError(err.Error())
	}
}

// CommitRoom attempts to graduate roomID's current members into a game.
func (c *Conn) CommitRoom(ctx context.Context, data json.RawMessage) {
	var msg commitRoomMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("lobbyhub: malformed CommitRoom")
		return
	}
	def := c.hub.Defs.Definition()
	if err := c.hub.Matchmaker.CommitRoom(ctx, msg.RoomID, def.Setup); err != nil {
		c.displayError(err.Error())
	}
}

// LeaveMatchmaking cancels every assignment watcher owned by this
// connection and removes the underlying queue/room entries.
func (c *Conn) LeaveMatchmaking(ctx context.Context, data json.RawMessage) {
	c.mu.Lock()
	entries := make([]*matchmakingEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.entries = make(map[string]*matchmakingEntry)
	userID := c.userID
	c.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		c.hub.leaveEntry(userID, e)
	}
}

// UpdateUsername changes the connection's username, no-op if unchanged
// or already taken by another user.
func (c *Conn) UpdateUsername(ctx context.Context, data json.RawMessage) {
	var msg updateUsernameMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.WithError(err).Debug("lobbyhub: malformed UpdateUsername")
		return
	}
	c.mu.Lock()
	userID := c.userID
	current := c.player
	c.mu.Unlock()

	if msg.Username == "" || msg.Username == current.Username {
		return
	}

	taken := false
	err := store.RunTransaction(ctx, c.hub.Store, func(ctx context.Context) (store.Commit, error) {
		taken = false
		ue, err := c.hub.Store.Get(ctx, store.UserKey(userID))
		if err != nil {
			return store.Commit{}, err
		}
		if !ue.Present {
			return store.Commit{}, nil
		}
		var u model.User
		if err := json.Unmarshal(ue.Value, &u); err != nil {
			return store.Commit{}, err
		}
		if u.Player.Username == msg.Username {
			return store.Commit{}, nil
		}

		idxEntries, err := c.hub.Store.BatchGet(ctx, []string{store.UsernameIndexKey(msg.Username), store.UsernameIndexKey(u.Player.Username)})
		if err != nil {
			return store.Commit{}, err
		}
		newIdx, oldIdx := idxEntries[0], idxEntries[1]
		if newIdx.Present {
			taken = true
			return store.Commit{}, nil
		}

		oldUsername := u.Player.Username
		u.Player.Username = msg.Username
		ub, err := json.Marshal(u)
		if err != nil {
			return store.Commit{}, err
		}

		commit := store.Commit{
			Preconditions: []store.Precondition{
				{Key: store.UserKey(userID), Version: ue.Version},
				{Key: store.UsernameIndexKey(msg.Username), MustBeAbsent: true},
			},
			Writes: []store.Write{
				{Key: store.UserKey(userID), Value: ub},
				{Key: store.UsernameIndexKey(msg.Username), Value: []byte(userID)},
			},
		}
		if oldIdx.Present {
			commit.Preconditions = append(commit.Preconditions, store.Precondition{Key: store.UsernameIndexKey(oldUsername), Version: oldIdx.Version})
			commit.Writes = append(commit.Writes, store.Write{Key: store.UsernameIndexKey(oldUsername), Delete: true})
		}
		return commit, nil
	})
	if err != nil {
		c.displayError(err.Error())
	}

	if err == nil && !taken {
		c.mu.Lock()
		c.player.Username = msg.Username
		c.mu.Unlock()
	}
}
