package dispatch

import (
	"errors"
	"strings"
)

// Command names surfaced through the chat transport.
const (
	CmdStart       = "start"
	CmdHelp        = "help"
	CmdCreateUser  = "create_user"
	CmdCreateToken = "create_token"
	CmdReload      = "reload"
)

// ErrBadArguments indicates a command was invoked with missing or
// malformed arguments. It never reaches the transport; the dispatcher
// converts it to a usage message.
var ErrBadArguments = errors.New("bad command arguments")

// parseEmail extracts and validates the single email argument.
func parseEmail(args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return "", ErrBadArguments
	}
	if !validEmail(fields[0]) {
		return "", ErrBadArguments
	}
	return fields[0], nil
}

// parseCreateToken extracts the email argument and the optional
// comma-separated model list, preserving model order.
func parseCreateToken(args string) (string, []string, error) {
	fields := strings.Fields(args)
	if len(fields) < 1 || len(fields) > 2 {
		return "", nil, ErrBadArguments
	}
	if !validEmail(fields[0]) {
		return "", nil, ErrBadArguments
	}

	var models []string
	if len(fields) == 2 {
		for _, m := range strings.Split(fields[1], ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				models = append(models, m)
			}
		}
		if len(models) == 0 {
			return "", nil, ErrBadArguments
		}
	}

	return fields[0], models, nil
}

// validEmail applies the minimal check this system is responsible for;
// the upstream API is the authority on what it accepts.
func validEmail(email string) bool {
	return email != "" && strings.Contains(email, "@")
}
