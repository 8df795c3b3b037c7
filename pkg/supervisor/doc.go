/*
Package supervisor enforces liveness over builds and workers.

A single loop ticks at the configured scan interval and runs two
passes in a fixed order:

 1. Stuck builds: active builds whose VM has not heartbeated inside
    the build timeout are failed, freeing their worker. A timeout is
    never charged to the worker's failure counter; only failures the
    worker itself reports are.
 2. Silent workers: workers not seen inside the offline timeout are
    taken offline and every build they held goes back to pending.

Running the build pass first means a dead worker's stuck build fails
rather than being requeued to nowhere; a live worker whose build VM
died gets freed and can poll again immediately.

The supervisor holds no in-memory truth. Each sweep queries the store
from scratch, so after a controller restart the first tick repairs
whatever happened while the process was down. Every action is logged,
counted and published to the event stream.
*/
package supervisor
