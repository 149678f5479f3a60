package eventbus

import (
	"encoding/json"
	"errors"

	"github.com/mahaj/teamchat/pkg/model"
)

var errNoTopic = errors.New("eventbus: envelope without topic")

// Encode is the wire form shared by the kafka and redis transports.
func Encode(env model.Envelope) ([]byte, error) {
	if env.Topic == "" {
		return nil, errNoTopic
	}
	return json.Marshal(env)
}

func Decode(data []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, err
	}
	if env.Topic == "" {
		return model.Envelope{}, errNoTopic
	}
	return env, nil
}
