package network

// Gossipsub base topic names. Every subscription appends "/<network name>".
const (
	PubsubBlockStr = "/fil/blocks"
	PubsubMsgStr   = "/fil/msgs"
)

var pubsubTopics = [2]string{PubsubBlockStr, PubsubMsgStr}

// TopicName namespaces a base topic with the network name.
func TopicName(base, networkName string) string {
	return base + "/" + networkName
}

// TopicNames returns the namespaced block and message topics, in that order.
func TopicNames(networkName string) []string {
	names := make([]string, 0, len(pubsubTopics))
	for _, base := range pubsubTopics {
		names = append(names, TopicName(base, networkName))
	}
	return names
}
