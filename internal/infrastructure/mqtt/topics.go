package mqtt

// TopicPrefixGateway is the base for topics published by the gateway itself.
// Device topics (devices/{id}/...) belong to the wire protocol package.
const TopicPrefixGateway = "fieldlink/gateway"

// Topics provides builders for gateway-owned MQTT topics.
type Topics struct{}

// GatewayStatus returns the retained gateway presence topic (also the LWT topic).
//
// Example: fieldlink/gateway/status
func (Topics) GatewayStatus() string {
	return TopicPrefixGateway + "/status"
}
