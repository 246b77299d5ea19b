package core

import "errors"

var (
	ErrPortExhausted          = errors.New("no available port in scanned range")
	ErrProcessSpawnFailed     = errors.New("process spawn failed")
	ErrListenerUnhealthy      = errors.New("listener did not become healthy")
	ErrTunnelDiscoveryTimeout = errors.New("no secure tunnel discovered")
	ErrRemoteUnreachable      = errors.New("remote peer unreachable")
	ErrRemoteWriteFailed      = errors.New("remote configuration write failed")
	ErrVerificationFailed     = errors.New("webhook verification failed")
	ErrCredentialUnavailable  = errors.New("credential unavailable")
)

// IsKnown reports whether err belongs to the relay's failure taxonomy
func IsKnown(err error) bool {
	for _, known := range []error{
		ErrPortExhausted,
		ErrProcessSpawnFailed,
		ErrListenerUnhealthy,
		ErrTunnelDiscoveryTimeout,
		ErrRemoteUnreachable,
		ErrRemoteWriteFailed,
		ErrVerificationFailed,
		ErrCredentialUnavailable,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// Remediation returns a short operator hint for a taxonomy error, or "" if none applies
func Remediation(err error) string {
	switch {
	case errors.Is(err, ErrPortExhausted):
		return "Free a port in the configured range or widen ports.base/ports.max in config.hcl"
	case errors.Is(err, ErrProcessSpawnFailed):
		return "Check that the command is installed and on PATH, then run 'ttsrelay restart'"
	case errors.Is(err, ErrListenerUnhealthy):
		return "Check the listener log in the state directory, then run 'ttsrelay restart'"
	case errors.Is(err, ErrTunnelDiscoveryTimeout):
		return "Check the tunnel log and that the tunnel client is authenticated (e.g. 'ngrok config add-authtoken')"
	case errors.Is(err, ErrRemoteUnreachable):
		return "Check SSH access to the remote peer (agent forwarding, host key, network)"
	case errors.Is(err, ErrRemoteWriteFailed):
		return "Check write permissions on the remote env file"
	case errors.Is(err, ErrVerificationFailed):
		return "The endpoint is configured; check firewall and tunnel reachability, then run 'ttsrelay diagnose'"
	case errors.Is(err, ErrCredentialUnavailable):
		return "Store the secret with 'ttsrelay secret set <name>' or export its environment variable"
	}
	return ""
}
