package thunderpush

import (
	"fmt"
	"strings"
)

// wrongKeyMsg is the only frame the server originates itself: it tells the
// client its public key did not resolve, right before the session closes.
var wrongKeyMsg = []byte("WRONGKEY")

type command int

const (
	cmdUnknown command = iota
	cmdConnect
	cmdSubscribe
)

func (c command) String() string {
	switch c {
	case cmdConnect:
		return "CONNECT"
	case cmdSubscribe:
		return "SUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// message is an inbound client frame of the form
//
//	COMMAND argument1[:argument2[:argumentX]]
//
// Only the first space separates the command token; the rest of the frame is
// kept verbatim as the argument.
type message struct {
	cmd    command
	token  string
	arg    string
	hasArg bool
}

func parseMessage(frame string) message {
	token, arg, hasArg := strings.Cut(frame, " ")
	m := message{token: token, arg: arg, hasArg: hasArg}
	switch token {
	case "CONNECT":
		m.cmd = cmdConnect
	case "SUBSCRIBE":
		m.cmd = cmdSubscribe
	}
	return m
}

// connectArgs splits a CONNECT argument into user id and public key.
func connectArgs(arg string) (userID, publicKey string, err error) {
	parts := strings.Split(arg, ":")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", fmt.Errorf("%w: CONNECT wants userId:publicKey, got %q", ErrMalformedCommand, arg)
	}
	return parts[0], parts[1], nil
}

// subscribeArgs splits a SUBSCRIBE argument into channel names, in order.
// Empty names are dropped.
func subscribeArgs(arg string) []string {
	if arg == "" {
		return nil
	}
	var channels []string
	for _, ch := range strings.Split(arg, ":") {
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels
}
