// Package mqtt forwards operational events from the in-process bus to an
// MQTT broker, one JSON message per event.
//
// The forwarder uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a retained "online" message to the availability topic; a
// will message flips it to "offline" on unexpected disconnects.
//
// Topics have the form <prefix>/events/<source>/<kind>.
package mqtt
