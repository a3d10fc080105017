package audit

import "strings"

// Audit actions recorded by the auth API and the real-time interceptor.
const (
	ActionLoginSuccess  = "login_success"
	ActionLoginFailure  = "login_failure"
	ActionRefresh       = "token_refresh"
	ActionRefreshFailed = "token_refresh_failure"
	ActionLogout        = "logout"
	ActionConnect       = "ws_connect"
	ActionDisconnect    = "ws_disconnect"
	ActionSwept         = "ws_swept"
)

// Resources named in audit entries.
const (
	ResourceAuth       = "auth"
	ResourceConnection = "connection"
)

// ActionResource holds action and resource derived from a protocol frame.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseFrame returns the audit action and resource for a frame command and destination.
// Rejections get a "_denied" suffix; the resource is the destination family
// (e.g. /topic/driver/u1 -> topic.driver, /user/queue/x -> user.queue, no destination -> connection).
func ParseFrame(command, destination string, rejected bool) ActionResource {
	action := "ws_" + strings.ToLower(strings.TrimSpace(command))
	if action == "ws_" {
		action = "ws_unknown"
	}
	if action == "ws_stomp" {
		action = ActionConnect
	}
	if rejected {
		action += "_denied"
	}
	return ActionResource{Action: action, Resource: destinationFamily(destination)}
}

func destinationFamily(destination string) string {
	parts := strings.Split(strings.Trim(destination, "/"), "/")
	switch {
	case destination == "" || parts[0] == "":
		return ResourceConnection
	case len(parts) >= 3:
		return parts[0] + "." + parts[1]
	default:
		return parts[0]
	}
}
