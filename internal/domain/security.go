package domain

// SenderGate decides whether a canonical sender may use the bot.
type SenderGate interface {
	IsAuthorized(sender string) bool
}
