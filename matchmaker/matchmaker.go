// Package matchmaker implements queue and room lifecycle and graduation,
// per spec section 4.2.
package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tkahng/turnframe/model"
	"github.com/tkahng/turnframe/store"
)

var (
	ErrUserNotFound  = errors.New("matchmaker: user not found")
	ErrRoomNotFound  = errors.New("matchmaker: room not found")
	ErrRoomFull      = errors.New("matchmaker: room is full")
	ErrRoomExists    = errors.New("matchmaker: room already exists")
	ErrRoomUnderfull = errors.New("matchmaker: room does not have enough members to commit")
)

// SetupFunc mirrors game.Definition.Setup; it is passed in rather than a
// full game.Definition so this package does not need to import game,
// keeping the dependency graph leaf-first (store -> matchmaker -> game).
type SetupFunc func(config json.RawMessage, numPlayers int, loadouts []json.RawMessage, timestamp time.Time) (json.RawMessage, error)

// IDGen mints a fresh, sortable, unique identifier.
type IDGen func() string

// Matchmaker is stateless beyond its Store handle: all durable state
// lives in the store, per spec section 5's "Store is the sole durable
// shared resource" policy.
type Matchmaker struct {
	Store store.Store
	IDGen IDGen
	log   *logrus.Entry
}

func New(s store.Store, idGen IDGen) *Matchmaker {
	return &Matchmaker{Store: s, IDGen: idGen, log: logrus.WithField("component", "matchmaker")}
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func loadUser(ctx context.Context, s store.Store, userID string) (model.User, store.Entry, error) {
	e, err := s.Get(ctx, store.UserKey(userID))
	if err != nil {
		return model.User{}, e, err
	}
	if !e.Present {
		return model.User{}, e, ErrUserNotFound
	}
	var u model.User
	if err := json.Unmarshal(e.Value, &u); err != nil {
		return model.User{}, e, fmt.Errorf("matchmaker: decode user %s: %w", userID, err)
	}
	return u, e, nil
}

// AddToQueue atomically inserts a QueueEntry and appends it to the user's
// queueEntries, then attempts graduation.
func (m *Matchmaker) AddToQueue(ctx context.Context, queueID string, numPlayers int, entryID, userID string, player model.Player, loadout json.RawMessage, config json.RawMessage, setup SetupFunc) error {
	err := store.RunTransaction(ctx, m.Store, func(ctx context.Context) (store.Commit, error) {
		user, ue, err := loadUser(ctx, m.Store, userID)
		if err != nil {
			return store.Commit{}, err
		}

		qe := model.QueueEntry{
			QueueID: queueID, EntryID: entryID, Timestamp: time.Now(),
			UserID: userID, Player: player, Loadout: loadout,
		}
		qeBytes, err := json.Marshal(qe)
		if err != nil {
			return store.Commit{}, err
		}

		user.QueueEntries = append(user.QueueEntries, entryID)
		userBytes, err := json.Marshal(user)
		if err != nil {
			return store.Commit{}, err
		}

		return store.Commit{
			Preconditions: []store.Precondition{
				{Key: store.QueueEntryKey(queueID, entryID), MustBeAbsent: true},
				{Key: store.UserKey(userID), Version: ue.Version},
			},
			Writes: []store.Write{
				{Key: store.QueueEntryKey(queueID, entryID), Value: qeBytes},
				{Key: store.UserKey(userID), Value: userBytes},
			},
		}, nil
	})
	if err != nil {
		return err
	}
	return m.MaybeGraduateQueue(ctx, queueID, numPlayers, config, setup)
}

// RemoveFromQueue deletes the entry and removes it from the owning user's
// queueEntries. No-op if the entry is already absent (left, or already
// graduated out from under the caller).
func (m *Matchmaker) RemoveFromQueue(ctx context.Context, queueID, entryID, userID string) error {
	return store.RunTransaction(ctx, m.Store, func(ctx context.Context) (store.Commit, error) {
		entries, err := m.Store.BatchGet(ctx, []string{store.QueueEntryKey(queueID, entryID), store.UserKey(userID)})
		if err != nil {
			return store.Commit{}, err
		}
		qe, ue := entries[0], entries[1]
		if !qe.Present {
			return store.Commit{}, nil
		}
		if !ue.Present {
			return store.Commit{}, ErrUserNotFound
		}
		var user model.User
		if err := json.Unmarshal(ue.Value, &user); err != nil {
			return store.Commit{}, err
		}
		user.QueueEntries = removeString(user.QueueEntries, entryID)
		userBytes, err := json.Marshal(user)
		if err != nil {
			return store.Commit{}, err
		}

		return store.Commit{
			Preconditions: []store.Precondition{
				{Key: store.QueueEntryKey(queueID, entryID), Version: qe.Version},
				{Key: store.UserKey(userID), Version: ue.Version},
			},
			Writes: []store.Write{
				{Key: store.QueueEntryKey(queueID, entryID), Delete: true},
				{Key: store.UserKey(userID), Value: userBytes},
			},
		}, nil
	})
}

// MaybeGraduateQueue implements the queue graduation algorithm of spec
// section 4.2: list the queue's first numPlayers entries in creation
// order; if fewer exist, succeed as a no-op; otherwise atomically create
// a game from them.
func (m *Matchmaker) MaybeGraduateQueue(ctx context.Context, queueID string, numPlayers int, config json.RawMessage, setup SetupFunc) error {
	return store.RunTransaction(ctx, m.Store, func(ctx context.Context) (store.Commit, error) {
		entries, err := m.Store.ListByPrefix(ctx, store.QueuePrefix(queueID))
		if err != nil {
			return store.Commit{}, err
		}
		if len(entries) < numPlayers {
			return store.Commit{}, nil
		}
		graduating := entries[:numPlayers]

		qes := make([]model.QueueEntry, len(graduating))
		for i, e := range graduating {
			if err := json.Unmarshal(e.Value, &qes[i]); err != nil {
				return store.Commit{}, err
			}
		}

		return m.buildGraduationCommit(ctx, config, numPlayers, setup, qes, func(qe model.QueueEntry, i int) (store.Precondition, store.Write) {
			return store.Precondition{Key: store.QueueEntryKey(queueID, qe.EntryID), Version: graduating[i].Version},
				store.Write{Key: store.QueueEntryKey(queueID, qe.EntryID), Delete: true}
		})
	})
}

// CreateRoom creates an empty room and bumps the room list trigger. It
// fails if roomId already exists.
func (m *Matchmaker) CreateRoom(ctx context.Context, roomID string, numPlayers int, config json.RawMessage, private bool) error {
	return store.RunTransaction(ctx, m.Store, func(ctx context.Context) (store.Commit, error) {
		re, err := m.Store.Get(ctx, store.RoomKey(roomID))
		if err != nil {
			return store.Commit{}, err
		}
		if re.Present {
			return store.Commit{}, ErrRoomExists
		}
		room := model.Room{RoomID: roomID, NumPlayers: numPlayers, Config: config, Private: private, Members: []model.RoomMember{}}
		roomBytes, err := json.Marshal(room)
		if err != nil {
			return store.Commit{}, err
		}
		return store.Commit{
			Preconditions: []store.Precondition{{Key: store.RoomKey(roomID), MustBeAbsent: true}},
			Writes: []store.Write{
				{Key: store.RoomKey(roomID), Value: roomBytes},
				{Key: store.RoomListTriggerKey, Value: []byte(time.Now().Format(time.RFC3339Nano))},
			},
		}, nil
	})
}

// AddToRoom appends a member to a room and to the user's roomEntries,
// failing if the room is full or absent.
func (m *Matchmaker) AddToRoom(ctx context.Context, roomID, entryID, userID string, player model.Player, loadout json.RawMessage) error {
	return store.RunTransaction(ctx, m.Store, func(ctx context.Context) (store.Commit, error) {
		entries, err := m.Store.BatchGet(ctx, []string{store.RoomKey(roomID), store.UserKey(userID)})
		if err != nil {
			return store.Commit{}, err
		}
		re, ue := entries[0], entries[1]
		if !re.Present {
			return store.Commit{}, ErrRoomNotFound
		}
		var room model.Room
		if err := json.Unmarshal(re.Value, &room); err != nil {
			return store.Commit{}, err
		}
		if room.Full() {
			return store.Commit{}, ErrRoomFull
		}
		if !ue.Present {
			return store.Commit{}, ErrUserNotFound
		}
		var user model.User
		if err := json.Unmarshal(ue.Value, &user); err != nil {
			return store.Commit{}, err
		}

		room.Members = append(room.Members, model.RoomMember{
			EntryID: entryID, Timestamp: time.Now(), UserID: userID, Player: player, Loadout: loadout,
		})
		roomBytes, err := json.Marshal(room)
		if err != nil {
			return store.Commit{}, err
		}

		user.RoomEntries = append(user.RoomEntries, entryID)
		userBytes, err := json.Marshal(user)
		if err != nil {
			return store.Commit{}, err
		}

		return store.Commit{
			Preconditions: []store.Precondition{
				{Key: store.RoomKey(roomID), Version: re.Version},
				{Key: store.UserKey(userID), Version: ue.Version},
			},
			Writes: []store.Write{
				{Key: store.RoomKey(roomID), Value: roomBytes},
				{Key: store.UserKey(userID), Value: userBytes},
				{Key: store.RoomListTriggerKey, Value: []byte(time.Now().Format(time.RFC3339Nano))},
			},
		}, nil
	})
}

// RemoveFromRoom removes a member and the user's room entry; if no
// members remain afterward, the room itself is deleted.
func (m *Matchmaker) RemoveFromRoom(ctx context.Context, roomID, entryID, userID string) error {
	return store.RunTransaction(ctx, m.Store, func(ctx context.Context) (store.Commit, error) {
		entries, err := m.Store.BatchGet(ctx, []string{store.RoomKey(roomID), store.UserKey(userID)})
		if err != nil {
			return store.Commit{}, err
		}
		re, ue := entries[0], entries[1]
		if !re.Present {
			return store.Commit{}, nil
		}
		var room model.Room
		if err := json.Unmarshal(re.Value, &room); err != nil {
			return store.Commit{}, err
		}

		found := false
		members := room.Members[:0]
		for _, mem := range room.Members {
			if mem.EntryID == entryID {
				found = true
				continue
			}
			members = append(members, mem)
		}
		if !found {
			return store.Commit{}, nil
		}
		room.Members = members

		commit := store.Commit{
			Preconditions: []store.Precondition{{Key: store.RoomKey(roomID), Version: re.Version}},
			Writes:        []store.Write{{Key: store.RoomListTriggerKey, Value: []byte(time.Now().Format(time.RFC3339Nano))}},
		}
		if len(room.Members) == 0 {
			commit.Writes = append(commit.Writes, store.Write{Key: store.RoomKey(roomID), Delete: true})
		} else {
			roomBytes, err := json.Marshal(room)
			if err != nil {
				return store.Commit{}, err
			}
			commit.Writes = append(commit.Writes, store.Write{Key: store.RoomKey(roomID), Value: roomBytes})
		}

		if ue.Present {
			var user model.User
			if err := json.Unmarshal(ue.Value, &user); err != nil {
				return store.Commit{}, err
			}
			user.RoomEntries = removeString(user.RoomEntries, entryID)
			userBytes, err := json.Marshal(user)
			if err != nil {
				return store.Commit{}, err
			}
			commit.Preconditions = append(commit.Preconditions, store.Precondition{Key: store.UserKey(userID), Version: ue.Version})
			commit.Writes = append(commit.Writes, store.Write{Key: store.UserKey(userID), Value: userBytes})
		}

		return commit, nil
	})
}

// CommitRoom promotes every current member of a room into a game. It
// fails loudly (unlike queue graduation) if the room has fewer than
// numPlayers members.
func (m *Matchmaker) CommitRoom(ctx context.Context, roomID string, setup SetupFunc) error {
	return store.RunTransaction(ctx, m.Store, func(ctx context.Context) (store.Commit, error) {
		re, err := m.Store.Get(ctx, store.RoomKey(roomID))
		if err != nil {
			return store.Commit{}, err
		}
		if !re.Present {
			return store.Commit{}, ErrRoomNotFound
		}
		var room model.Room
		if err := json.Unmarshal(re.Value, &room); err != nil {
			return store.Commit{}, err
		}
		if len(room.Members) < room.NumPlayers {
			return store.Commit{}, ErrRoomUnderfull
		}

		qes := make([]model.QueueEntry, len(room.Members))
		for i, mem := range room.Members {
			qes[i] = model.QueueEntry{EntryID: mem.EntryID, UserID: mem.UserID, Player: mem.Player, Loadout: mem.Loadout, Timestamp: mem.Timestamp}
		}

		commit, err := m.buildGraduationCommit(ctx, room.Config, room.NumPlayers, setup, qes, func(qe model.QueueEntry, i int) (store.Precondition, store.Write) {
			return store.Precondition{}, store.Write{}
		})
		if err != nil {
			return store.Commit{}, err
		}
		commit.Preconditions = append(commit.Preconditions, store.Precondition{Key: store.RoomKey(roomID), Version: re.Version})
		commit.Writes = append(commit.Writes, store.Write{Key: store.RoomKey(roomID), Delete: true})
		commit.Writes = append(commit.Writes, store.Write{Key: store.RoomListTriggerKey, Value: []byte(time.Now().Format(time.RFC3339Nano))})
		return commit, nil
	})
}

// buildGraduationCommit is the shared core of queue and room graduation
// (spec section 4.2): read participating users and the active-game list,
// call the author's Setup, and assemble the preconditions/writes that
// atomically create the game, remove the source entries, write
// assignments, and update each participating user.
//
// perEntryExtra lets the caller add the source-specific precondition/write
// pair for each graduating entry (deleting a queue entry; the room itself
// is handled by the caller since it is a single record, not per-entry).
func (m *Matchmaker) buildGraduationCommit(ctx context.Context, config json.RawMessage, numPlayers int, setup SetupFunc, qes []model.QueueEntry, perEntryExtra func(qe model.QueueEntry, i int) (store.Precondition, store.Write)) (store.Commit, error) {
	userKeys := make([]string, len(qes))
	for i, qe := range qes {
		userKeys[i] = store.UserKey(qe.UserID)
	}
	userEntries, err := m.Store.BatchGet(ctx, userKeys)
	if err != nil {
		return store.Commit{}, err
	}
	users := make([]model.User, len(userEntries))
	for i, ue := range userEntries {
		if !ue.Present {
			return store.Commit{}, ErrUserNotFound
		}
		if err := json.Unmarshal(ue.Value, &users[i]); err != nil {
			return store.Commit{}, err
		}
	}

	agEntry, err := m.Store.Get(ctx, store.ActiveGamesKey)
	if err != nil {
		return store.Commit{}, err
	}
	var activeGames []model.ActiveGameEntry
	if agEntry.Present {
		if err := json.Unmarshal(agEntry.Value, &activeGames); err != nil {
			return store.Commit{}, err
		}
	}

	gameID := m.IDGen()
	now := time.Now()

	loadouts := make([]json.RawMessage, len(qes))
	players := make([]model.Player, len(qes))
	userIDs := make([]string, len(qes))
	for i, qe := range qes {
		loadouts[i] = qe.Loadout
		players[i] = qe.Player
		userIDs[i] = qe.UserID
	}

	state, err := setup(config, numPlayers, loadouts, now)
	if err != nil {
		return store.Commit{}, fmt.Errorf("matchmaker: setup: %w", err)
	}

	game := model.Game{GameID: gameID, Config: config, State: state, UserIDs: userIDs, Players: players}
	gameBytes, err := json.Marshal(game)
	if err != nil {
		return store.Commit{}, err
	}

	activeGames = append(activeGames, model.ActiveGameEntry{GameID: gameID, Players: players, Config: config, Created: now})
	agBytes, err := json.Marshal(activeGames)
	if err != nil {
		return store.Commit{}, err
	}

	commit := store.Commit{
		Preconditions: []store.Precondition{
			{Key: store.ActiveGamesKey, Version: agEntry.Version, MustBeAbsent: !agEntry.Present},
			{Key: store.GameKey(gameID), MustBeAbsent: true},
		},
		Writes: []store.Write{
			{Key: store.ActiveGamesKey, Value: agBytes},
			{Key: store.GameKey(gameID), Value: gameBytes},
		},
	}

	for i, qe := range qes {
		if p, w := perEntryExtra(qe, i); w.Key != "" {
			commit.Preconditions = append(commit.Preconditions, p)
			commit.Writes = append(commit.Writes, w)
		}

		commit.Preconditions = append(commit.Preconditions, store.Precondition{Key: store.AssignmentKey(qe.EntryID), MustBeAbsent: true})
		asgBytes, err := json.Marshal(model.Assignment{EntryID: qe.EntryID, GameID: gameID})
		if err != nil {
			return store.Commit{}, err
		}
		commit.Writes = append(commit.Writes, store.Write{Key: store.AssignmentKey(qe.EntryID), Value: asgBytes})
	}

	for i, qe := range qes {
		users[i].QueueEntries = removeString(users[i].QueueEntries, qe.EntryID)
		users[i].RoomEntries = removeString(users[i].RoomEntries, qe.EntryID)
		users[i].ActiveGames = append(users[i].ActiveGames, gameID)
		ub, err := json.Marshal(users[i])
		if err != nil {
			return store.Commit{}, err
		}
		commit.Preconditions = append(commit.Preconditions, store.Precondition{Key: store.UserKey(users[i].UserID), Version: userEntries[i].Version})
		commit.Writes = append(commit.Writes, store.Write{Key: store.UserKey(users[i].UserID), Value: ub})
	}

	return commit, nil
}
