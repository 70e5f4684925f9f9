// Package rankbot implements a Discord bot that assigns ranks to guild
// members, shows each rank in the member's nickname (e.g. "Alice [Gold]"),
// and keeps a rank list message up to date in a dedicated channel.
//
// Key components of the package include:
//
//   - Bot: wires the Discord session, database, workers and HTTP servers,
//     and owns the run loop.
//   - RankManager: authorizes rank changes and applies them to the store,
//     the member's nickname and the rank list.
//   - RankStore: persists ranks and the rank list message ID per guild.
//   - memberWorkerPool: runs changes for the same member one at a time.
//   - API: health checks, Prometheus metrics and admin routes.
//   - DiscordWebhookServer: receives interactions over HTTP instead of
//     the gateway.
//
// The bot registers a single slash command:
//
//   - /rank set member new_rank: assigns a rank to a member.
//   - /rank remove member: clears a member's rank.
//
// Only guild administrators, and members holding the configured
// authorized role, may use it.
package rankbot
