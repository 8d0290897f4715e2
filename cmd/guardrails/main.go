// Guardrails is a moderation gateway that sits in front of a chat-completion
// backend. Every request is rate limited per client, screened for policy
// violations, forwarded with retries and screened again on the way back.
//
// Usage:
//
//	# Start the HTTP service
//	guardrails serve
//
//	# Start with a specific env file and port
//	guardrails serve --env-file /etc/guardrails/.env --port 9500
//
//	# Classify text against the configured rules without a backend
//	guardrails check "how to make a bomb"
package main

func main() {
	Execute()
}
