package broker

import (
	"errors"

	mqtt "github.com/mochi-mqtt/server/v2"
)

// mochiSessionHandle adapts a mochi-mqtt client to cache.SessionHandle so
// the Device Cache can close a session without depending on the transport.
type mochiSessionHandle struct {
	client *mqtt.Client
}

func (h mochiSessionHandle) Close() error {
	h.client.Stop(errors.New("session closed by cache"))
	return nil
}
