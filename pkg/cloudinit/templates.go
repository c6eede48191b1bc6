package cloudinit

// dhtTemplate boots a DHT node and reports readiness back to the
// orchestrator with its peer id.
const dhtTemplate = `#cloud-config
hostname: dht-{{NODE_ID}}
write_files:
  - path: /opt/decloud/dht.b64
    encoding: b64
    content: {{DHT_BINARY_B64}}
  - path: /etc/decloud/dht.env
    content: |
      DHT_VM_ID={{VM_ID}}
      DHT_NODE_ID={{NODE_ID}}
      DHT_REGION={{REGION}}
      DHT_ADVERTISE_IP={{ADVERTISE_IP}}
      DHT_BOOTSTRAP_PEERS={{BOOTSTRAP_PEERS}}
      DHT_AUTH_TOKEN={{AUTH_TOKEN}}
runcmd:
  - base64 -d /opt/decloud/dht.b64 > /opt/decloud/dht
  - chmod +x /opt/decloud/dht
  - rm /opt/decloud/dht.b64
  - /opt/decloud/dht --env /etc/decloud/dht.env --report-ready &
`

// relayTemplate boots a WireGuard relay listening on 51820 with a local
// control API on 8080 for peer management.
const relayTemplate = `#cloud-config
hostname: relay-{{NODE_ID}}
packages:
  - wireguard-tools
write_files:
  - path: /etc/wireguard/wg0.conf
    permissions: "0600"
    content: |
      [Interface]
      PrivateKey = {{WIREGUARD_PRIVATE_KEY}}
      Address = {{TUNNEL_IP}}/24
      ListenPort = 51820
      PostUp = sysctl -w net.ipv4.ip_forward=1
  - path: /etc/decloud/relay.env
    content: |
      RELAY_VM_ID={{VM_ID}}
      RELAY_NODE_ID={{NODE_ID}}
      RELAY_SUBNET={{RELAY_SUBNET}}
      RELAY_AUTH_TOKEN={{AUTH_TOKEN}}
runcmd:
  - wg-quick up wg0
  - /opt/decloud/relay-agent --env /etc/decloud/relay.env --listen :8080 &
`
