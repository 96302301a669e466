// Package channel implements the notification channel of the lock client.
// Waiters of a lock are woken by the message a releasing client publishes on the
// channel named after the lock, instead of polling the store.
//
// Subscription Multiplexing:
//
//	The first Subscribe for a lock name reserves a dedicated connection from the
//	connection manager, opens one store subscription on it and starts a listener
//	goroutine. Further subscribers of the same name only increment a counter.
//	The last Unsubscribe closes the subscription, stops the listener and frees
//	the reservation. The subscriber count of a name is only changed inside the
//	Compute call of an xsync.MapOf, so a waiter can never join an entry that is
//	being torn down. Opening the subscription is network I/O and runs outside
//	Compute: the first subscriber inserts the entry, opens the subscription and
//	closes the ready channel the others wait on.
//
// Lost Subscriptions:
//
//	A subscription that ends while it still has subscribers, for example after a
//	dropped store connection, marks its listener dead. The next Subscribe or
//	WaitForNotification of that name replaces the entry with a new listener that
//	keeps the subscriber count, and waiters re-check the lock state right away.
//
// Wake Signal:
//
//	The listener ignores every message that does not start with the unlocked
//	prefix. Matching messages fill a single-slot channel, several notifications
//	collapse into one wake. Waiters never trust the message content, they
//	re-check the lock state after every wake or timeout.
package channel
