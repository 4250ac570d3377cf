package services

import "fmt"

const (
	eventsKey = "queue:events"
	leaderKey = "queue:leader:promotion"
)

func ticketKey(ticketID string) string {
	return fmt.Sprintf("queue:ticket:%s", ticketID)
}

func waitingKey(eventID string) string {
	return fmt.Sprintf("queue:event:%s:waiting", eventID)
}

func readyKey(eventID string) string {
	return fmt.Sprintf("queue:event:%s:ready", eventID)
}

func gateKey(token string) string {
	return fmt.Sprintf("queue:gate:%s", token)
}
