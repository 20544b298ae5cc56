package gocluster

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// DefaultCoordinationServers is the default list of coordination service addresses.
var DefaultCoordinationServers = []string{"127.0.0.1:2181"}

const (
	// BackendZookeeper selects the ZooKeeper coordination client.
	BackendZookeeper = "zookeeper"
	// BackendEtcd selects the etcd coordination client.
	BackendEtcd = "etcd"
)

const (
	// DefaultCoordinationBackend is the default coordination service flavour.
	DefaultCoordinationBackend = BackendZookeeper
	// DefaultSessionTimeout is the default coordination session timeout.
	DefaultSessionTimeout = 10 * time.Second
	// DefaultPath is the default group path members join.
	DefaultPath = "/gocluster/service"
	// DefaultAdvertisePort is the default port advertised by this instance.
	DefaultAdvertisePort = 8080
	// DefaultLead is the default for contending for leadership.
	DefaultLead = false
	// DefaultDefeatOnDisconnect is the default for resigning leadership as soon as the session disconnects.
	DefaultDefeatOnDisconnect = true
	// DefaultCodec is the default member payload codec.
	DefaultCodec = "json"
	// DefaultWebAddr is the default address of the admin web server.
	DefaultWebAddr = "127.0.0.1:8081"
)

const (
	// ParamCoordinationBackend is the name of parameter with the coordination service flavour.
	ParamCoordinationBackend = "coordination-backend"
	// ParamCoordinationServers is the name of parameter with the coordination service addresses.
	ParamCoordinationServers = "coordination-servers"
	// ParamSessionTimeout is the name of parameter with the coordination session timeout.
	ParamSessionTimeout = "session-timeout"
	// ParamPath is the name of parameter with the group path.
	ParamPath = "path"
	// ParamAdvertiseHost is the name of parameter with the host this instance advertises.
	ParamAdvertiseHost = "advertise-host"
	// ParamAdvertisePort is the name of parameter with the port this instance advertises.
	ParamAdvertisePort = "advertise-port"
	// ParamAdditionalEndpoints is the name of parameter with named additional endpoints, name=host:port.
	ParamAdditionalEndpoints = "additional-endpoints"
	// ParamLead is the name of parameter which enables contending for leadership.
	ParamLead = "lead"
	// ParamDefeatOnDisconnect is the name of parameter which resigns leadership on disconnect.
	ParamDefeatOnDisconnect = "defeat-on-disconnect"
	// ParamCodec is the name of parameter with the member payload codec.
	ParamCodec = "codec"
	// ParamWebAddr is the name of parameter with the admin web server address.
	ParamWebAddr = "web-addr"
)

// AddFlags adds flags to the specified FlagSet.
func AddFlags(fs *pflag.FlagSet) {
	fs.String(ParamCoordinationBackend, DefaultCoordinationBackend, "Coordination service, one of zookeeper or etcd")
	//TODO Remove workaround when https://github.com/spf13/viper/issues/112 is fixed
	fs.String(ParamCoordinationServers, strings.Join(DefaultCoordinationServers, " "), "Space separated list of coordination service addresses")
	fs.Duration(ParamSessionTimeout, DefaultSessionTimeout, "Coordination session timeout")
	fs.String(ParamPath, DefaultPath, "Group path to join")
	fs.String(ParamAdvertiseHost, "", "Host to advertise, defaults to the local address used to reach the coordination service")
	fs.Int(ParamAdvertisePort, DefaultAdvertisePort, "Port to advertise")
	fs.String(ParamAdditionalEndpoints, "", "Comma-separated list of name=host:port additional endpoints")
	fs.Bool(ParamLead, DefaultLead, "Contend for leadership, only the leader is advertised")
	fs.Bool(ParamDefeatOnDisconnect, DefaultDefeatOnDisconnect, "Resign leadership as soon as the coordination session disconnects")
	fs.String(ParamCodec, DefaultCodec, "Member payload codec, one of json or json+snappy")
	fs.String(ParamWebAddr, DefaultWebAddr, "Address of the admin web server, empty to disable")
}
