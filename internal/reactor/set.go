package reactor

// Set bundles one instance of every reactor role. Protocol servers share a
// Set instead of starting loops of their own.
type Set struct {
	Acceptor    *Acceptor
	Connector   *Connector
	Reader      *Reader
	Writer      *Writer
	Transmitter *Transmitter
	Delay       *Delay
}

func NewSet() *Set {
	return &Set{
		Acceptor:    NewAcceptor(),
		Connector:   NewConnector(),
		Reader:      NewReader(),
		Writer:      NewWriter(),
		Transmitter: NewTransmitter(),
		Delay:       NewDelay(),
	}
}

func (s *Set) Close() {
	s.Acceptor.Close()
	s.Connector.Close()
	s.Reader.Close()
	s.Writer.Close()
	s.Transmitter.Close()
	s.Delay.Close()
}
