package adapters

// HTLC contract. Lock status: 0 none, 1 open, 2 claimed, 3 refunded.
const htlcABIJSON = `[
  {"type":"function","name":"createLock","stateMutability":"payable","inputs":[
    {"name":"lockId","type":"bytes32"},
    {"name":"receiver","type":"address"},
    {"name":"hashlock","type":"bytes32"},
    {"name":"timelock","type":"uint256"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claimWithSecret","stateMutability":"nonpayable","inputs":[
    {"name":"lockId","type":"bytes32"},
    {"name":"secret","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
    {"name":"lockId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getLock","stateMutability":"view","inputs":[
    {"name":"lockId","type":"bytes32"}],"outputs":[
    {"name":"sender","type":"address"},
    {"name":"receiver","type":"address"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"hashlock","type":"bytes32"},
    {"name":"timelock","type":"uint256"},
    {"name":"status","type":"uint8"}]},
  {"type":"function","name":"getRevealedSecret","stateMutability":"view","inputs":[
    {"name":"lockId","type":"bytes32"}],"outputs":[
    {"name":"secret","type":"bytes32"}]},
  {"type":"event","name":"LockCreated","anonymous":false,"inputs":[
    {"name":"lockId","type":"bytes32","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"receiver","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"hashlock","type":"bytes32","indexed":false},
    {"name":"timelock","type":"uint256","indexed":false}]},
  {"type":"event","name":"LockClaimed","anonymous":false,"inputs":[
    {"name":"lockId","type":"bytes32","indexed":true},
    {"name":"receiver","type":"address","indexed":true},
    {"name":"secret","type":"bytes32","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"LockRefunded","anonymous":false,"inputs":[
    {"name":"lockId","type":"bytes32","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Hashlocked order book used for the conversion leg. Order status:
// 0 none, 1 open, 2 filled, 3 cancelled.
const orderBookABIJSON = `[
  {"type":"function","name":"placeOrder","stateMutability":"payable","inputs":[
    {"name":"orderHash","type":"bytes32"},
    {"name":"receiver","type":"address"},
    {"name":"makerAsset","type":"address"},
    {"name":"takerAsset","type":"address"},
    {"name":"makingAmount","type":"uint256"},
    {"name":"minOutput","type":"uint256"},
    {"name":"hashlock","type":"bytes32"},
    {"name":"expiry","type":"uint256"},
    {"name":"signature","type":"bytes"}],"outputs":[]},
  {"type":"function","name":"fillOrder","stateMutability":"nonpayable","inputs":[
    {"name":"orderHash","type":"bytes32"},
    {"name":"secret","type":"bytes32"}],"outputs":[{"name":"output","type":"uint256"}]},
  {"type":"function","name":"cancelOrder","stateMutability":"nonpayable","inputs":[
    {"name":"orderHash","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getOrder","stateMutability":"view","inputs":[
    {"name":"orderHash","type":"bytes32"}],"outputs":[
    {"name":"maker","type":"address"},
    {"name":"receiver","type":"address"},
    {"name":"status","type":"uint8"},
    {"name":"output","type":"uint256"}]},
  {"type":"event","name":"OrderFilled","anonymous":false,"inputs":[
    {"name":"orderHash","type":"bytes32","indexed":true},
    {"name":"receiver","type":"address","indexed":true},
    {"name":"output","type":"uint256","indexed":false},
    {"name":"secret","type":"bytes32","indexed":false}]}
]`
