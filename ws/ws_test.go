package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitCommand(t *testing.T) {
	tests := map[string]struct {
		msg         clientMessage
		wantCommand string
		wantAddress string
	}{
		"plain": {
			msg:         clientMessage{Command: "join:blocks"},
			wantCommand: "join:blocks",
		},
		"address field": {
			msg:         clientMessage{Command: "join:address", Address: "5Grw"},
			wantCommand: "join:address",
			wantAddress: "5Grw",
		},
		"inline address": {
			msg:         clientMessage{Command: "join:address(5Grw)"},
			wantCommand: "join:address",
			wantAddress: "5Grw",
		},
		"inline leave": {
			msg:         clientMessage{Command: "leave:address(5Grw)"},
			wantCommand: "leave:address",
			wantAddress: "5Grw",
		},
		"unbalanced paren passes through": {
			msg:         clientMessage{Command: "join:address(5Grw"},
			wantCommand: "join:address(5Grw",
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			command, address := splitCommand(test.msg)
			assert.Equal(t, test.wantCommand, command)
			assert.Equal(t, test.wantAddress, address)
		})
	}
}
