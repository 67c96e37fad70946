package app

// Wire protocol framing: every response line carries one of these
// prefixes and is newline-terminated.
const (
	infoPrefix  = "> "
	errorPrefix = "> err: "
)

// recvBufSize is the size of the buffer for new data from the clients.
const recvBufSize = 128

// User-visible protocol messages.
const (
	welcomeMsg       = "Welcome to PiHub - type `server help` for available commands."
	connectMsgSuffix = " connected to the server"
	disconnectMsg    = "one of the clients disconnected from the server"

	cmdIncompleteMsg  = "command incomplete (hint: type `server help` for syntax manual)"
	cmdNotFoundMsg    = "command not found (hint: type `server help` for available commands)"
	genericFailureMsg = "generic system failure, please try again"
	wrongArgCountMsg  = "incorrect number of arguments [use server help for manual]"
)

var helpMsg = []string{
	"available commands:",
	"  gpio set <line> <0|1>             - drive a GPIO output line",
	"  gpio get <line>                   - read a GPIO line state",
	"  sensor list                       - list configured sensors",
	"  sensor get <id> <temp|hum|press>  - read a sensor value",
	"  server status                     - memory, network and uptime summary",
	"  server uptime                     - hub uptime",
	"  server net                        - network interface counters",
	"  server disconnect                 - close this session",
	"  server help                       - this manual",
}
