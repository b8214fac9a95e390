package types

import "fmt"

// Fixed bus topics.
const (
	// TopicDown carries inbound transfer requests.
	TopicDown = "Down"
	// TopicLabel carries outbound acknowledgments.
	TopicLabel = "Label"
)

// QoS is a bus delivery guarantee.
type QoS byte

// Delivery guarantees, numbered as in MQTT.
const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
	QoSExactlyOnce QoS = 2
)

// QoSStrongest is requested for both the inbound subscription and
// acknowledgment publishes. Transports without delivery levels downgrade it.
const QoSStrongest = QoSExactlyOnce

// String returns a readable name for the delivery guarantee.
func (q QoS) String() string {
	switch q {
	case QoSAtMostOnce:
		return "at_most_once"
	case QoSAtLeastOnce:
		return "at_least_once"
	case QoSExactlyOnce:
		return "exactly_once"
	default:
		return fmt.Sprintf("qos(%d)", byte(q))
	}
}
