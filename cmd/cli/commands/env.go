package commands

import (
	"io"
)

// Env is what every command needs once the CLI config is loaded
type Env struct {
	Client   *Client
	Format   string
	Operator string
	Out      io.Writer
}

// EnvFunc resolves the Env lazily so commands can be built before flags
// are parsed
type EnvFunc func() *Env

func (e *Env) print(v interface{}) error {
	return render(e.Out, e.Format, v)
}
