package routing

// PeerConfig is a reusable {name,address} mapping for statically known peers.
type PeerConfig struct {
	Name    string `yaml:"name"`    // Display name reported in peer lists
	Address string `yaml:"address"` // Link address (host:port of the peer's catalog server)
}
