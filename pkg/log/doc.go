/*
Package log wraps zerolog with the global logger used across lifeguard.

Call Init once at startup, then either use Logger directly or derive a child
logger that carries the usual fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithPool("coordinator", pool.Name)
	logger.Info().Str("ticket", key).Msg("change is in window")

Console output is meant for operators running commands by hand; JSON output
is meant for the daemon. When Config.File is set, every line is also written
as JSON to a size-rotated file managed by lumberjack.

Task logs are a separate thing: the timestamped text a background run keeps
on its Task record (see package task). The task runner mirrors each of
those lines here with the task_id field.
*/
package log
