/*
Package fetcher downloads a command's artifacts into the sandbox before
the container execs.

URIs may be plain files, file:// URIs or http(s) URLs. Transient HTTP
failures retry with exponential backoff; a destroy concurrent with the
fetch aborts it through Kill. Artifacts marked executable are chmodded,
and recognized archives (.tar, .tar.gz, .tgz) are unpacked next to the
download when extraction is requested.
*/
package fetcher
