/*
Package ssh implements the SSH transport and connection protocols of
RFC 4251 through 4254, on both the client and the server side.

The transport layer frames, encrypts and authenticates every packet,
negotiates algorithms for key exchange, host keys, ciphers and MACs,
and replaces its keys mid-stream when enough traffic has passed. On
top of it the connection layer multiplexes flow-controlled channels:
interactive sessions, direct-tcpip tunnels usable as plain net.Conn
values, forwarded-tcpip listeners, and agent forwarding.

Private keys are loaded from PKCS#1 PEM files or the OpenSSH
openssh-key-v1 container, including bcrypt-encrypted ones.
*/
package ssh
