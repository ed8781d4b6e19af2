package network

var (
	wifiUp     = Event{Available: true, Type: ConnectionWiFi, Interface: "wlan0"}
	cellularUp = Event{Available: true, Type: ConnectionCellular, Metered: true, Interface: "rmnet0"}
	lost       = Event{Type: ConnectionNone}
)
