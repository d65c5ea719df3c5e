package domain

import "time"

// Identity es el usuario verificado que el colaborador de auth adjunta a cada conexion.
type Identity struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
}

// Connection representa una sesion de transporte viva en una instancia concreta.
type Connection struct {
	ID            string    `json:"id"`
	Identity      Identity  `json:"identity"`
	InstanceID    string    `json:"instance_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}
