package config

// Settings is the live configuration record shared between session
// handlers (readers) and management handlers (writers). Both run on the
// reactor thread, so the fields need no synchronization; a multi-reactor
// deployment would need a copy-on-write snapshot here.
type Settings struct {
	OriginHost string
	OriginPort uint16

	// ETActivated toggles external transformation of retrieved bodies.
	ETActivated bool
	// FilterCommand is the shell command run per message body.
	FilterCommand string
	// ReplacementMsg substitutes filtered parts.
	ReplacementMsg string
	// Media is the set of filtered MIME types.
	Media *MediaTypeSet
	// ErrorFile receives appended filter stderr.
	ErrorFile string

	Version string

	// Management credentials.
	User string
	Pass string
}

// Runtime builds the mutable settings record from the loaded
// configuration. Call once at startup, before the reactor runs.
func (c *Config) Runtime() (*Settings, error) {
	media, err := NewMediaTypeSet(c.Filter.MediaTypes)
	if err != nil {
		return nil, err
	}
	return &Settings{
		OriginHost:     c.Origin.Server,
		OriginPort:     c.Origin.Port,
		ETActivated:    c.Filter.Enabled,
		FilterCommand:  c.Filter.Command,
		ReplacementMsg: c.Filter.ReplacementMsg,
		Media:          media,
		ErrorFile:      c.Filter.ErrorFile,
		Version:        c.Version,
		User:           c.Management.User,
		Pass:           c.Management.Pass,
	}, nil
}
