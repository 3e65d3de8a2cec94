// Command quotalimits serves the per-user quota limits API.
//
// Usage:
//
//	# Apply migrations and start the API
//	quotalimits serve --config /etc/quotalimits/config.yaml
//
//	# Run one bucket sweep outside the scheduler
//	quotalimits sweep
//
//	# Create an admin with a TOTP second factor
//	quotalimits admin create --username root --password '...' --totp
//
//	# Issue a token for a calling service
//	quotalimits token --service checkout --expiry 720h
package main

func main() {
	Execute()
}
