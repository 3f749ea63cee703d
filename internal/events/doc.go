// Package events publishes sandbox lifecycle events to in-process subscribers and AMQP.
package events
