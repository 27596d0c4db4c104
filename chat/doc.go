// Package chat contains the chat transports the bot plays through.
//
// It provides two implementations of Transport:
//   - Telegram: long-polls the Bot API with telego, filters updates to the game
//     chat and replays edited messages as new events carrying the original id.
//     Sends go to the configured forum topic when requested and may reply to a
//     specific message; the returned id is the sent message's id. The Bot API
//     never delivers other bots' messages, so this transport needs a game that
//     posts as a user account and accepts commands from bots.
//   - Twitch: joins one channel over IRC with go-twitch-irc. Reply threading is
//     read from the reply-parent tags. IRC does not report the id of our own
//     messages, so Send always returns an empty id there.
//
// Both transports call the handler from a single goroutine, so events reach the
// runner strictly in order.
package chat
