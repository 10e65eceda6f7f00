// Package chat contains the bot controller: the one object the CLI and the
// status server talk to.
//
// A Controller owns, while running:
//   - a trigger.Matcher holding the phrase table (swappable at any time),
//   - a dispatch.Queue and its playback workers,
//   - a supervisor.Supervisor that keeps one chat session joined.
//
// Every PRIVMSG the session yields is logged as a chat_message event, matched
// against the trigger table, and each match is enqueued for playback. The
// read loop never waits on playback or on the history store.
//
// Credentials: when Config.Source is nil the static Credentials are used for
// every attempt. Otherwise the source supplies them per attempt, which is how
// a refreshed OAuth token reaches the next reconnect.
package chat
