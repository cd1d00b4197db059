// Package redisstream provides a Redis Streams adapter for xqueue.
//
// Every topic is a stream read through one consumer group. The Client implements
// xqueue.Consumer (pull), xqueue.Subscriber (push) and xqueue.Publisher, so it can
// serve as the message source and the deadletter sink at the same time.
//
// Config keys accepted by ConfigFromMap:
// - addr: "host:port" (default "127.0.0.1:6379")
// - username, password, db, tls, tls_server_name
// - group: consumer group name (default "xqueue")
// - consumer: consumer name (default "xqueue-<host>-<pid>")
// - batch_size: XREADGROUP COUNT for the push loop (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - max_len_approx: approximate MAXLEN on XADD (default unbounded)
// - claim_min_idle: reclaim pending entries idle this long (default 30s, "0s" disables)
// - claim_batch: max entries reclaimed per read (default 128)
//
// Example:
//
//	app, client, err := redisstream.Use(redisstream.ConfigFromMap(map[string]any{
//	    "addr":  "localhost:6379",
//	    "group": "payments",
//	}),
//	    redisstream.WithRouter(router),
//	    redisstream.WithDeadletterTopic("payments-dlq"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	err = app.Listen(ctx, "payments")
package redisstream
