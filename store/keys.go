package store

// Key helpers for the logical key families listed in spec section 6. Every
// key is a plain string so that ListByPrefix (lexicographic order) can
// enumerate a family's members cheaply.

func UserKey(userID string) string {
	return "users/" + userID
}

func UsernameIndexKey(username string) string {
	return "usersByUsername/" + username
}

func TokenKey(tokenID string) string {
	return "tokens/" + tokenID
}

func QueueEntryKey(queueID, entryID string) string {
	return "queueentry/" + queueID + "/" + entryID
}

func QueuePrefix(queueID string) string {
	return "queueentry/" + queueID + "/"
}

func RoomKey(roomID string) string {
	return "rooms/" + roomID
}

func RoomsPrefix() string {
	return "rooms/"
}

// RoomListTriggerKey is the singleton sentinel bumped on any room-list
// change, per spec section 3.
const RoomListTriggerKey = "roomlisttrigger"

// ActiveGamesKey is the singleton ordered list of in-progress games.
const ActiveGamesKey = "activegames"

func GameKey(gameID string) string {
	return "games/" + gameID
}

func AssignmentKey(entryID string) string {
	return "assignments/" + entryID
}
