// Package persistence implements C6 (spec §4.6): the PersistentCalibrator
// that subscribes to a Calibrator's Observer events, accumulates round
// snapshot copies on a single-consumer queue, and commits the full entity
// graph (photometer, two summaries, rounds, samples, rounds↔samples links)
// to a relational store in one transaction on CAL_END.
package persistence

// schema is the logical model of spec §6.3, expressed as the teacher's
// other_examples counterpart does it (cdc-sink's resolver.go): a single
// inline SQL string executed once at Repository construction, rather than
// a migration framework — the schema here is small and fixed.
const schema = `
CREATE TABLE IF NOT EXISTS config_t (
	section  TEXT NOT NULL,
	property TEXT NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (section, property)
);

CREATE TABLE IF NOT EXISTS batch_t (
	begin_tstamp DATETIME PRIMARY KEY,
	end_tstamp   DATETIME,
	email_sent   BOOLEAN NOT NULL DEFAULT 0,
	calibrations INTEGER NOT NULL DEFAULT 0,
	comment      TEXT
);

CREATE TABLE IF NOT EXISTS photometer_t (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	mac        TEXT NOT NULL,
	model      TEXT NOT NULL,
	sensor     TEXT NOT NULL,
	freq_offset REAL NOT NULL DEFAULT 0,
	firmware   TEXT,
	filter     TEXT,
	plug       TEXT,
	box        TEXT,
	collector  TEXT,
	UNIQUE (name, mac)
);

CREATE TABLE IF NOT EXISTS summary_t (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	session           DATETIME NOT NULL,
	role              TEXT NOT NULL CHECK (role IN ('ref', 'test')),
	phot_id           INTEGER NOT NULL REFERENCES photometer_t(id),
	calibration       TEXT NOT NULL CHECK (calibration IN ('auto', 'manual')),
	calversion        TEXT,
	author            TEXT,
	nrounds           INTEGER NOT NULL,
	zp_offset         REAL NOT NULL,
	prev_zp           REAL NOT NULL,
	zero_point        REAL NOT NULL,
	zero_point_method TEXT,
	freq              REAL NOT NULL,
	freq_method       TEXT NOT NULL,
	mag               REAL NOT NULL,
	upd_flag          BOOLEAN NOT NULL DEFAULT 0,
	comment           TEXT,
	UNIQUE (session, role)
);

CREATE TABLE IF NOT EXISTS rounds_t (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	summ_id      INTEGER NOT NULL REFERENCES summary_t(id),
	seq          INTEGER NOT NULL,
	role         TEXT NOT NULL CHECK (role IN ('ref', 'test')),
	freq         REAL,
	stddev       REAL,
	mag          REAL,
	central      TEXT NOT NULL,
	zero_point   REAL,
	nsamples     INTEGER NOT NULL,
	begin_tstamp DATETIME,
	end_tstamp   DATETIME,
	duration_sec REAL,
	UNIQUE (summ_id, seq, role)
);

CREATE TABLE IF NOT EXISTS samples_t (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	summ_id INTEGER NOT NULL REFERENCES summary_t(id),
	tstamp DATETIME NOT NULL,
	role   TEXT NOT NULL CHECK (role IN ('ref', 'test')),
	freq   REAL NOT NULL,
	tamb   REAL,
	tsky   REAL,
	seq    INTEGER NOT NULL,
	UNIQUE (tstamp, role)
);

CREATE TABLE IF NOT EXISTS samples_rounds_t (
	round_id  INTEGER NOT NULL REFERENCES rounds_t(id),
	sample_id INTEGER NOT NULL REFERENCES samples_t(id),
	PRIMARY KEY (round_id, sample_id)
);
`
