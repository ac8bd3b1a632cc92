package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ValerySidorin/hubdevice/message"
)

const (
	methodPostPrefix = "$iothub/methods/POST/"
	methodPostFilter = "$iothub/methods/POST/#"
	twinResPrefix    = "$iothub/twin/res/"
	twinResFilter    = "$iothub/twin/res/#"
	twinPatchPrefix  = "$iothub/twin/PATCH/properties/desired/"
	twinPatchFilter  = "$iothub/twin/PATCH/properties/desired/#"

	sysMessageID       = "$.mid"
	sysCorrelationID   = "$.cid"
	sysContentType     = "$.ct"
	sysContentEncoding = "$.ce"
)

var (
	ErrMalformedTopic = errors.New("mqtt: malformed topic")
)

type topicKind int

const (
	topicDeviceBound topicKind = iota
	topicMethod
	topicTwinResponse
	topicTwinPatch
)

func eventsTopic(deviceID string, msg *message.Message) string {
	v := url.Values{}
	for k, val := range msg.Properties {
		v.Set(k, val)
	}
	if msg.MessageID != "" {
		v.Set(sysMessageID, msg.MessageID)
	}
	if msg.CorrelationID != "" {
		v.Set(sysCorrelationID, msg.CorrelationID)
	}
	if msg.ContentType != "" {
		v.Set(sysContentType, msg.ContentType)
	}
	if msg.ContentEncoding != "" {
		v.Set(sysContentEncoding, msg.ContentEncoding)
	}
	return "devices/" + deviceID + "/messages/events/" + v.Encode()
}

func deviceBoundPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/"
}

func deviceBoundFilter(deviceID string) string {
	return deviceBoundPrefix(deviceID) + "#"
}

func methodResponseTopic(status int, requestID string) string {
	return "$iothub/methods/res/" + strconv.Itoa(status) + "/?$rid=" + url.QueryEscape(requestID)
}

func kindOf(topic string) topicKind {
	switch {
	case strings.HasPrefix(topic, methodPostPrefix):
		return topicMethod
	case strings.HasPrefix(topic, twinResPrefix):
		return topicTwinResponse
	case strings.HasPrefix(topic, twinPatchPrefix):
		return topicTwinPatch
	default:
		return topicDeviceBound
	}
}

// parseMethodTopic splits "$iothub/methods/POST/{name}/?$rid={rid}".
func parseMethodTopic(topic string) (name, requestID string, err error) {
	rest, ok := strings.CutPrefix(topic, methodPostPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	name, query, ok := strings.Cut(rest, "/?")
	if !ok || name == "" {
		return "", "", fmt.Errorf("%w: %s", ErrMalformedTopic, topic)
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %w", ErrMalformedTopic, topic, err)
	}
	requestID = q.Get("$rid")
	if requestID == "" {
		return "", "", fmt.Errorf("%w: %s: missing $rid", ErrMalformedTopic, topic)
	}
	return name, requestID, nil
}

// parseDeviceBound decodes the property bag trailing the device-bound prefix.
func parseDeviceBound(deviceID, topic string, payload []byte) *message.Message {
	msg := message.New(payload)

	bag := strings.TrimPrefix(topic, deviceBoundPrefix(deviceID))
	if bag == "" || bag == topic {
		return msg
	}
	q, err := url.ParseQuery(bag)
	if err != nil {
		return msg
	}
	for k := range q {
		val := q.Get(k)
		switch k {
		case sysMessageID:
			msg.MessageID = val
		case sysCorrelationID:
			msg.CorrelationID = val
		case sysContentType:
			msg.ContentType = val
		case sysContentEncoding:
			msg.ContentEncoding = val
		default:
			if strings.HasPrefix(k, "$.") || strings.HasPrefix(k, "iothub-") {
				continue
			}
			msg.Properties[k] = val
		}
	}
	return msg
}
