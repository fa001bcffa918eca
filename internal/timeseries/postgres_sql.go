package timeseries

// DDL templates for partition tables. Partition names are generated by the
// partition manager; the templates only receive trusted, generated
// identifiers.

const createScalarPartitionSQL = `
CREATE TABLE IF NOT EXISTS %s (
    %s %s NOT NULL,
    datetime timestamp WITHOUT TIME ZONE NOT NULL,
    %s float8 NULL,
    PRIMARY KEY (%s, datetime)
);`

const createEnsemblePartitionSQL = `
CREATE TABLE IF NOT EXISTS %s (
    reachid bigint NOT NULL,
    datetime timestamp WITHOUT TIME ZONE NOT NULL,
    initialized timestamp WITHOUT TIME ZONE NOT NULL,
    %s,
    PRIMARY KEY (reachid, datetime, initialized)
);`

const createEnsembleInitIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_%s_init ON %s (reachid, initialized);`

const createWarningTableSQL = `
CREATE TABLE IF NOT EXISTS warning (
    hydroweb text NOT NULL,
    datetime timestamp WITHOUT TIME ZONE NOT NULL,
    %s,
    PRIMARY KEY (hydroweb, datetime)
);`
