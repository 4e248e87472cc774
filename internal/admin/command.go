package admin

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// handleLine dispatches one received line according to the connection's
// authentication stage.
func (c *Conn) handleLine(line string) {
	argv, err := splitCommand(line)
	if err != nil {
		c.reply("-ERR Invalid command.")
		return
	}
	cmd := strings.ToUpper(argv[0])

	// QUIT is honored at every stage.
	if cmd == "QUIT" {
		c.reply("+OK Goodbye.")
		c.quitting = true
		return
	}

	switch c.state {
	case StateUser:
		c.handleUser(cmd, argv)
	case StatePass:
		c.handlePass(cmd, argv)
	case StateConfig:
		c.handleConfig(cmd, argv, line)
	default:
		c.reply("-ERR Not ready.")
	}
}

func (c *Conn) handleUser(cmd string, argv []string) {
	if cmd != "USER" || len(argv) != 2 {
		c.reply("-ERR Expected USER <name>.")
		return
	}
	c.user = argv[1]
	c.reply("+OK")
	c.state = StatePass
}

func (c *Conn) handlePass(cmd string, argv []string) {
	if cmd != "PASS" || len(argv) != 2 {
		c.reply("-ERR Expected PASS <password>.")
		c.state = StateUser
		return
	}
	if c.user == c.settings.User && checkPassword(c.settings.Pass, argv[1]) {
		c.reply("+OK Logged in.")
		c.state = StateConfig
		c.logger.Info("management login", "user", c.user)
		return
	}
	c.logger.Info("management login failed", "user", c.user)
	c.reply("-ERR Authentication failed.")
	c.user = ""
	c.state = StateUser
}

// checkPassword verifies the presented secret against the configured one:
// bcrypt when the stored value is a hash, constant-time equality otherwise.
func checkPassword(stored, given string) bool {
	if strings.HasPrefix(stored, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

// handleConfig executes one configuration command. raw is the full line so
// MSG can keep embedded spaces.
func (c *Conn) handleConfig(cmd string, argv []string, raw string) {
	set := c.settings
	switch cmd {
	case "CMD":
		if len(argv) == 1 {
			set.ETActivated = !set.ETActivated
			if set.ETActivated {
				c.reply("+OK External transformation enabled.")
			} else {
				c.reply("+OK External transformation disabled.")
			}
			return
		}
		set.FilterCommand = rest(raw)
		c.reply("+OK Filter command replaced.")

	case "MSG":
		if len(argv) < 2 {
			c.reply("-ERR Expected MSG <text>.")
			return
		}
		set.ReplacementMsg = rest(raw)
		c.reply("+OK Replacement message replaced.")

	case "LIST":
		c.reply("+OK " + strings.Join(set.Media.List(), "\n"))

	case "BAN":
		if len(argv) != 2 {
			c.reply("-ERR Expected BAN <type/subtype>.")
			return
		}
		if err := set.Media.Add(argv[1]); err != nil {
			c.reply("-ERR Invalid media type.")
			return
		}
		c.reply("+OK Banned.")

	case "UNBAN":
		if len(argv) != 2 {
			c.reply("-ERR Expected UNBAN <type/subtype>.")
			return
		}
		if err := set.Media.Remove(argv[1]); err != nil {
			c.reply("-ERR Invalid media type.")
			return
		}
		c.reply("+OK Unbanned.")

	case "STATS":
		st := c.coll.Snapshot()
		c.reply(fmt.Sprintf(
			"+OK concurrent_connections=%d historical_accesses=%d transferred_bytes=%d retrieved_messages=%d",
			st.ConcurrentConnections, st.HistoricalAccesses,
			st.TransferredBytes, st.RetrievedMessages))

	default:
		c.reply("-ERR Unknown command.")
	}
}

// rest returns everything after the first token of a command line.
func rest(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}
