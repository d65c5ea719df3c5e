package ws

import (
	"encoding/json"
	"fmt"

	"github.com/Amr2/wanna-help/internal/domain"
)

// decode interpreta y valida un frame entrante. Devuelve el frame parcial aun con error
// para poder correlacionar la respuesta con clientMessageId.
func (m *Manager) decode(data []byte) (domain.InboundFrame, error) {
	var frame domain.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
	}
	if err := m.validate.Struct(frame); err != nil {
		return frame, fmt.Errorf("%w: %v", domain.ErrInvalidFrame, err)
	}
	if err := frame.CheckShape(); err != nil {
		return frame, err
	}
	return frame, nil
}
