package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/swboard/attr"
	"github.com/hubertat/swboard/board"
	"github.com/hubertat/swboard/errcode"
)

const defaultTopicPrefix = "swboard"
const handleTimeout = 5 * time.Second

// BoardBridge exposes one board over MQTT:
//
//	<prefix>/<board>/<signal>   published values (retained)
//	<prefix>/<board>/set        JSON map of output values
//	<prefix>/<board>/enable     true/false
//	<prefix>/<board>/error      {code, message} replies to rejected requests
//
// With a mirror topic set, values published by a companion controller under
// <mirror>/<signal> are followed through OnUpstreamChange.
type BoardBridge struct {
	prefix string
	board  *board.Controller
	client Publisher
	logger *log.Logger
}

func NewBoardBridge(prefix string, bc *board.Controller, client Publisher) *BoardBridge {
	if prefix == "" {
		prefix = defaultTopicPrefix
	}
	return &BoardBridge{
		prefix: strings.TrimSuffix(prefix, "/"),
		board:  bc,
		client: client,
		logger: log.NewWithOptions(os.Stderr, log.Options{
			Prefix: "mqtt " + bc.Name(),
			Level:  log.GetLevel(),
		}),
	}
}

func (bb *BoardBridge) topic(leaf string) string {
	return bb.prefix + "/" + bb.board.Name() + "/" + leaf
}

// Publish sends one attribute change, retained so late subscribers see the
// current value.
func (bb *BoardBridge) Publish(ctx context.Context, change attr.Change) error {
	payload, err := json.Marshal(change.Value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", change.Name)
	}
	return bb.client.Publish(bb.topic(change.Name), payload, true)
}

func (bb *BoardBridge) Handlers() []MqttHandler {
	handlers := []MqttHandler{
		HandlerFunc{Topic: bb.topic("set"), Handle: bb.handleSet},
		HandlerFunc{Topic: bb.topic("enable"), Handle: bb.handleEnable},
	}
	if mirror := strings.TrimSuffix(bb.board.Config().MirrorTopic, "/"); mirror != "" {
		handlers = append(handlers, HandlerFunc{Topic: mirror + "/#", Handle: bb.handleMirror})
	}
	return handlers
}

func (bb *BoardBridge) reply(err error) {
	if err == nil {
		return
	}
	bb.logger.Warn("request rejected", "err", err)

	payload, _ := json.Marshal(errcode.ReplyOf(err))
	if pubErr := bb.client.Publish(bb.topic("error"), payload, false); pubErr != nil {
		bb.logger.Error("failed to publish error reply", "err", pubErr)
	}
}

func (bb *BoardBridge) handleSet(pub *paho.Publish) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	raw := map[string]any{}
	if err := json.Unmarshal(pub.Payload, &raw); err != nil {
		bb.reply(errcode.Wrap(errcode.InvalidValue, "mqtt.set", err, "payload is not a JSON object"))
		return
	}

	values := make(map[string]int, len(raw))
	for name, value := range raw {
		v, err := board.ToBinary(value)
		if err != nil {
			bb.reply(errcode.Wrap(errcode.InvalidValue, "mqtt.set", err, "%s", name))
			return
		}
		values[name] = v
	}
	bb.reply(bb.board.SetOutputs(ctx, values))
}

func (bb *BoardBridge) handleEnable(pub *paho.Publish) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	flag, err := board.ToBinary(strings.Trim(string(pub.Payload), "\" \n"))
	if err != nil {
		bb.reply(errcode.Wrap(errcode.InvalidValue, "mqtt.enable", err, "enable payload"))
		return
	}
	bb.reply(bb.board.Enable(ctx, flag == 1))
}

func (bb *BoardBridge) handleMirror(pub *paho.Publish) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	mirror := strings.TrimSuffix(bb.board.Config().MirrorTopic, "/")
	values := map[string]any{}

	if pub.Topic == mirror {
		if err := json.Unmarshal(pub.Payload, &values); err != nil {
			bb.logger.Warn("ignoring mirror payload", "topic", pub.Topic, "err", err)
			return
		}
	} else {
		name := strings.TrimPrefix(pub.Topic, mirror+"/")
		if strings.Contains(name, "/") {
			return
		}
		var value any
		if err := json.Unmarshal(pub.Payload, &value); err != nil {
			value = string(pub.Payload)
		}
		values[name] = value
	}

	if err := bb.board.OnUpstreamChange(ctx, values); err != nil {
		bb.logger.Warn("mirror update rejected", "topic", pub.Topic, "err", err)
	}
}
