// Package mqttclient wraps the Eclipse Paho MQTT client with the connection
// management FloorLink needs: an observable Disconnected / Connecting /
// Connected state machine, explicit reconnect scheduling with capped
// exponential backoff, durable subscriptions restored after every
// reconnect, and a last-will presence message.
//
// The library's automatic reconnection is deliberately disabled. Reconnects
// are armed one at a time by this package, which means a clean Close always
// wins over a pending reconnect and a stopped server never flaps back
// online.
//
// Typical usage:
//
//	client, err := mqttclient.NewClient("tcp://broker:1883",
//	    mqttclient.WithClientID("floorlink-server"),
//	    mqttclient.WithWill("nodemcu/server/status", "offline", 1, true),
//	    mqttclient.WithConnectCallback(onConnect),
//	)
//	if err != nil { ... }
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close(context.Background())
//
// Publish waits for broker acknowledgement; PublishAsync returns the
// delivery token so callers can sequence dependent publishes themselves.
package mqttclient
