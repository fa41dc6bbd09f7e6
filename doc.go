/*
Package thunderpush implements a multi-tenant push server: a backend
application publishes messages, and the server relays them over websockets to
every currently connected browser or mobile client they are addressed to.

Tenants

Each tenant ("application") is identified by a credential pair, a public key
and a secret key, and is registered ahead of time in a Registry. Tenants are
isolated from each other: every tenant has its own Hub, indexing its live
sessions by user id and by channel.

Client protocol

Clients open a websocket to /connect and send text frames of the form

    COMMAND argument1[:argument2[:argumentX]]

Two commands are recognized:

    CONNECT userId:publicKey     // authenticate as userId within a tenant
    SUBSCRIBE news:sports        // subscribe to one or more channels

A CONNECT with an unknown public key is answered with the single frame
WRONGKEY, after which the session is closed. Any other invalid frame (unknown
command, missing argument, SUBSCRIBE before CONNECT, a second CONNECT) is
logged and ignored; the session stays open.

A user may hold several sessions at once, e.g. one per device. Subscriptions
only last as long as the session: there is no unsubscribe command, a session's
user and channel entries disappear when it disconnects.

Publishing

The backend publishes through the HTTP API in package api, either to a user id
or to a channel. Delivery is best effort and only reaches sessions connected at
publish time; nothing is persisted.
*/
package thunderpush
