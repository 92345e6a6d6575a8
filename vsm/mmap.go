package vsm

type mapping struct {
	data  []byte
	unmap func([]byte) error
}

func (m *mapping) close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return m.unmap(data)
}
